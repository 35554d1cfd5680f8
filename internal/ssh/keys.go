package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Environment overrides for unattended runs
const (
	EnvSSHKey           = "JUMBONET_SSH_KEY"
	EnvKnownHosts       = "JUMBONET_KNOWN_HOSTS"
	EnvSkipHostKeyCheck = "JUMBONET_SKIP_HOST_KEY_CHECK"
)

// SSHKeyInfo contains information about an SSH key
type SSHKeyInfo struct {
	Path        string // Full path to the key file
	Name        string // Key filename (e.g., "id_ed25519")
	Type        string // Key type (e.g., "ed25519", "rsa", "ecdsa")
	IsEncrypted bool   // True if key is passphrase-protected
}

// DiscoverSSHKeys scans ~/.ssh/ for private keys
// Returns keys sorted by preference: ed25519 first, then rsa, then others
func DiscoverSSHKeys() ([]SSHKeyInfo, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}
	return discoverKeys(filepath.Join(homeDir, ".ssh"))
}

func discoverKeys(sshDir string) ([]SSHKeyInfo, error) {
	entries, err := os.ReadDir(sshDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read .ssh directory: %w", err)
	}

	var keys []SSHKeyInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if strings.HasSuffix(name, ".pub") ||
			name == "known_hosts" ||
			name == "authorized_keys" ||
			name == "config" {
			continue
		}
		if !strings.HasPrefix(name, "id_") && !strings.HasSuffix(name, ".pem") {
			continue
		}

		keyInfo, err := ValidateSSHKey(filepath.Join(sshDir, name))
		if err != nil {
			continue
		}
		keys = append(keys, *keyInfo)
	}

	sort.SliceStable(keys, func(i, j int) bool {
		return keyTypePriority(keys[i].Type) < keyTypePriority(keys[j].Type)
	})

	return keys, nil
}

// keyTypePriority returns sort priority for key types (lower is better)
func keyTypePriority(keyType string) int {
	switch keyType {
	case "ed25519":
		return 1
	case "rsa":
		return 2
	case "ecdsa":
		return 3
	default:
		return 4
	}
}

// ValidateSSHKey validates a key file and returns its info
func ValidateSSHKey(path string) (*SSHKeyInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	keyInfo := &SSHKeyInfo{
		Path: path,
		Name: filepath.Base(path),
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		if isPassphraseError(err) {
			keyInfo.IsEncrypted = true
			keyInfo.Type = detectKeyType(data)
			return keyInfo, nil
		}
		return nil, fmt.Errorf("invalid SSH key: %w", err)
	}

	keyInfo.Type = publicKeyType(signer.PublicKey())
	return keyInfo, nil
}

// isPassphraseError checks if the error indicates a passphrase-protected key
func isPassphraseError(err error) bool {
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "passphrase") ||
		strings.Contains(errStr, "encrypted") ||
		strings.Contains(errStr, "ENCRYPTED")
}

func publicKeyType(pub ssh.PublicKey) string {
	switch pub.Type() {
	case ssh.KeyAlgoED25519:
		return "ed25519"
	case ssh.KeyAlgoRSA:
		return "rsa"
	case ssh.KeyAlgoECDSA256, ssh.KeyAlgoECDSA384, ssh.KeyAlgoECDSA521:
		return "ecdsa"
	default:
		return "unknown"
	}
}

// detectKeyType guesses the key type of an encrypted key from its PEM header
func detectKeyType(data []byte) string {
	content := string(data)

	if strings.Contains(content, "OPENSSH PRIVATE KEY") {
		// the OpenSSH format does not name the algorithm in the header
		return "ed25519"
	}
	if strings.Contains(content, "RSA PRIVATE KEY") {
		return "rsa"
	}
	if strings.Contains(content, "EC PRIVATE KEY") {
		return "ecdsa"
	}
	if strings.Contains(content, "DSA PRIVATE KEY") {
		return "dsa"
	}

	return "unknown"
}

// authMethods collects every usable credential: the key from the
// environment or KeyPath, the ssh-agent, unencrypted default keys and
// the password. The returned conn is the agent connection, if any
func (c *Client) authMethods() ([]ssh.AuthMethod, net.Conn, error) {
	var methods []ssh.AuthMethod
	var signers []ssh.Signer

	switch {
	case os.Getenv(EnvSSHKey) != "":
		signer, err := ssh.ParsePrivateKey([]byte(os.Getenv(EnvSSHKey)))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse %s: %w", EnvSSHKey, err)
		}
		signers = append(signers, signer)
	case c.KeyPath != "":
		signer, err := loadPrivateKey(c.KeyPath)
		if err != nil {
			return nil, nil, err
		}
		signers = append(signers, signer)
	}

	var agentConn net.Conn
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			c.opts.log.Debug("ssh-agent unavailable", zap.Error(err))
		} else {
			agentConn = conn
		}
	}

	if len(signers) == 0 {
		keys, err := DiscoverSSHKeys()
		if err != nil {
			c.opts.log.Debug("key discovery failed", zap.Error(err))
		}
		for _, k := range keys {
			if k.IsEncrypted {
				continue
			}
			if signer, err := loadPrivateKey(k.Path); err == nil {
				signers = append(signers, signer)
			}
		}
	}

	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if agentConn != nil {
		methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(agentConn).Signers))
	}
	if pw := c.opts.password; pw != "" {
		methods = append(methods,
			ssh.Password(pw),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		return nil, nil, fmt.Errorf("no SSH credentials found (set key_path, a password or %s)", EnvSSHKey)
	}
	return methods, agentConn, nil
}

// loadPrivateKey reads and parses an unencrypted private key
func loadPrivateKey(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(expandPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
	}
	return signer, nil
}

// expandPath expands a leading ~/ to the home directory
func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, path[1:])
		}
	}
	return path
}

// hostKeyCallback returns the host key callback function
// SECURITY: a valid known_hosts file is required unless insecure is set.
// For unattended runs, set JUMBONET_KNOWN_HOSTS with the content of
// known_hosts or JUMBONET_SKIP_HOST_KEY_CHECK=true to skip verification
func hostKeyCallback(host, user string, port int, insecure bool) (ssh.HostKeyCallback, error) {
	if knownHostsContent := os.Getenv(EnvKnownHosts); knownHostsContent != "" {
		// knownhosts.New only reads files
		tmpFile, err := os.CreateTemp("", "known_hosts")
		if err != nil {
			return nil, fmt.Errorf("failed to create temp known_hosts: %w", err)
		}
		defer os.Remove(tmpFile.Name())

		if _, err := tmpFile.WriteString(knownHostsContent); err != nil {
			tmpFile.Close()
			return nil, fmt.Errorf("failed to write temp known_hosts: %w", err)
		}
		tmpFile.Close()

		callback, err := knownhosts.New(tmpFile.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", EnvKnownHosts, err)
		}
		return callback, nil
	}

	if insecure || os.Getenv(EnvSkipHostKeyCheck) == "true" {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}

	knownHostsPath := filepath.Join(homeDir, ".ssh", "known_hosts")
	if _, err := os.Stat(knownHostsPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("SSH known_hosts file not found at %s. "+
			"Please connect to the remote manually first with: ssh %s@%s -p %d\n"+
			"For unattended runs, set %s or %s=true",
			knownHostsPath, user, host, port, EnvKnownHosts, EnvSkipHostKeyCheck)
	}

	callback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read known_hosts: %w", err)
	}

	return callback, nil
}
