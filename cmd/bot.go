package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"snapdrop/internal/bot"
	"snapdrop/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// botCmd represents the bot command
var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Run the Discord bot",
	Long:  `Connect to Discord and answer !create, !destroy, !status and !help until interrupted.`,
	Run: func(cmd *cobra.Command, args []string) {
		logging.Logger().Info("Starting snapdrop bot")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a := setup()
		defer a.Close()

		if err := a.cfg.ValidateBot(); err != nil {
			logging.Logger().Fatal("Invalid bot configuration", zap.Error(err))
		}

		b, err := bot.New(a.cfg.Discord, a.manager)
		if err != nil {
			logging.Logger().Fatal("Failed to create bot", zap.Error(err))
		}
		if err := b.Open(); err != nil {
			logging.Logger().Fatal("Failed to connect to Discord", zap.Error(err))
		}
		defer b.Close()

		if addr := a.cfg.Metrics.Addr; addr != "" {
			go func() {
				if err := a.metrics.Serve(ctx, addr); err != nil {
					logging.Logger().Error("Metrics server failed", zap.Error(err))
				}
			}()
		}

		logging.Logger().Info("Bot is running, press Ctrl+C to exit",
			zap.String("prefix", a.cfg.Discord.Prefix),
			zap.Strings("channels", a.cfg.Discord.Channels))
		<-ctx.Done()
		logging.Logger().Info("Shutting down bot")
	},
}

func init() {
	rootCmd.AddCommand(botCmd)
}
