package bot

import "strings"

// Command is a chat command the bot understands
type Command string

const (
	CommandCreate  Command = "create"
	CommandDestroy Command = "destroy"
	CommandStatus  Command = "status"
	CommandHelp    Command = "help"
)

var commands = map[string]Command{
	"create":  CommandCreate,
	"destroy": CommandDestroy,
	"status":  CommandStatus,
	"help":    CommandHelp,
}

// ParseCommand extracts a command from a message. The prefix must start the
// message and the command word must follow it directly; anything after the
// first word is ignored. Matching is case-sensitive.
func ParseCommand(prefix, content string) (Command, bool) {
	content = strings.TrimSpace(content)
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", false
	}

	fields := strings.Fields(strings.TrimPrefix(content, prefix))
	if len(fields) == 0 {
		return "", false
	}

	cmd, ok := commands[fields[0]]
	return cmd, ok
}

// helpText lists the commands with the configured prefix
func helpText(prefix string) string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	b.WriteString(prefix + "create - start the server from its snapshot\n")
	b.WriteString(prefix + "destroy - snapshot the server and delete it\n")
	b.WriteString(prefix + "status - show the server address and the last run\n")
	b.WriteString(prefix + "help - show this message")
	return b.String()
}
