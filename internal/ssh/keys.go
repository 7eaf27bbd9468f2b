// Package ssh resolves the SSH key fingerprints DigitalOcean uses to
// authorize keys on a new droplet.
package ssh

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Fingerprint returns the MD5 colon-hex fingerprint of a public key in
// authorized_keys format, which is what the droplet create API accepts.
func Fingerprint(authorizedKey []byte) (string, error) {
	publicKey, _, _, _, err := ssh.ParseAuthorizedKey(authorizedKey)
	if err != nil {
		return "", fmt.Errorf("failed to parse public key: %w", err)
	}
	return ssh.FingerprintLegacyMD5(publicKey), nil
}

// LoadFingerprints reads every public key from the given files and
// returns their fingerprints in file order. Blank lines and comments are
// skipped.
func LoadFingerprints(paths []string) ([]string, error) {
	var fingerprints []string
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read public key file %s: %w", path, err)
		}

		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			fp, err := Fingerprint([]byte(line))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			fingerprints = append(fingerprints, fp)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan public key file %s: %w", path, err)
		}
	}
	return fingerprints, nil
}

// MergeFingerprints concatenates the lists, keeping the first occurrence
// of each fingerprint.
func MergeFingerprints(lists ...[]string) []string {
	seen := make(map[string]bool)
	var merged []string
	for _, list := range lists {
		for _, fp := range list {
			fp = strings.TrimSpace(fp)
			if fp == "" || seen[fp] {
				continue
			}
			seen[fp] = true
			merged = append(merged, fp)
		}
	}
	return merged
}
