// Package turn runs the embedded TURN/STUN relay used by media
// sessions behind NAT. Credentials are generated once and persisted
// next to the database.
package turn

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/turn/v3"
)

const defaultUsername = "sitelink"

type Server struct {
	server   *turn.Server
	username string
	password string
	port     int
	logger   *slog.Logger
}

type Credentials struct {
	Username string
	Password string
}

// Start binds the UDP listener and brings up the relay. dataDir holds
// the persisted credentials.
func Start(port int, realm, dataDir string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	udpListener, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("turn udp listener: %w", err)
	}

	creds := loadOrGenerateCredentials(dataDir, logger)

	relayIP := detectPublicIP(logger)
	if relayIP == nil {
		relayIP = detectLocalIP(logger)
	}
	logger.Info("turn relay address selected", "relay_ip", relayIP.String(), "port", port)

	s, err := turn.NewServer(turn.ServerConfig{
		Realm:       realm,
		AuthHandler: staticAuthHandler(creds.Username, creds.Password),
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: relayIP,
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		udpListener.Close()
		return nil, fmt.Errorf("turn server: %w", err)
	}

	return &Server{
		server:   s,
		username: creds.Username,
		password: creds.Password,
		port:     port,
		logger:   logger,
	}, nil
}

func (s *Server) Credentials() Credentials {
	return Credentials{Username: s.username, Password: s.password}
}

func (s *Server) Port() int { return s.port }

func (s *Server) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func loadOrGenerateCredentials(dataDir string, logger *slog.Logger) Credentials {
	keysDir := filepath.Join(dataDir, "keys")
	usernameFile := filepath.Join(keysDir, "turn-username.key")
	passwordFile := filepath.Join(keysDir, "turn-password.key")

	if usernameData, err := os.ReadFile(usernameFile); err == nil {
		if passwordData, err := os.ReadFile(passwordFile); err == nil {
			return Credentials{
				Username: strings.TrimSpace(string(usernameData)),
				Password: strings.TrimSpace(string(passwordData)),
			}
		}
	}

	creds := Credentials{
		Username: defaultUsername,
		Password: generatePassword(),
	}

	if err := os.MkdirAll(keysDir, 0700); err == nil {
		os.WriteFile(usernameFile, []byte(creds.Username), 0600)
		os.WriteFile(passwordFile, []byte(creds.Password), 0600)
		logger.Info("turn credentials saved", "dir", keysDir)
	} else {
		logger.Warn("turn credentials not persisted", "error", err)
	}

	return creds
}

func staticAuthHandler(expectedUsername, password string) turn.AuthHandler {
	return func(username, realm string, _ net.Addr) ([]byte, bool) {
		if username == expectedUsername {
			return turn.GenerateAuthKey(username, realm, password), true
		}
		return nil, false
	}
}

func generatePassword() string {
	b := make([]byte, 16)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}

// detectPublicIP asks ipify for the address peers outside the facility
// network will reach the relay on.
func detectPublicIP(logger *slog.Logger) net.IP {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get("https://api.ipify.org")
	if err != nil {
		logger.Warn("public ip detection failed", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Warn("public ip detection failed", "status", resp.StatusCode)
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return nil
	}

	ip := net.ParseIP(strings.TrimSpace(string(body)))
	if ip == nil {
		logger.Warn("public ip detection returned garbage", "body", strings.TrimSpace(string(body)))
		return nil
	}
	return ip
}

// detectLocalIP falls back to the outbound interface address when the
// daemon runs on a LAN without internet access.
func detectLocalIP(logger *slog.Logger) net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		logger.Warn("local ip detection failed", "error", err)
		return net.ParseIP("127.0.0.1")
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}
