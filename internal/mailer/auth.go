package mailer

import (
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/emersion/go-sasl"
)

// saslAuth lets net/smtp drive a go-sasl client.
type saslAuth struct {
	client sasl.Client
}

func (a *saslAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS && !isLocalhost(server.Name) {
		return "", nil, errors.New("refusing to authenticate over an unencrypted connection")
	}
	return a.client.Start()
}

func (a *saslAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	return a.client.Next(fromServer)
}

// chooseAuth picks PLAIN or LOGIN from the mechanisms the server advertised.
func chooseAuth(advertised, user, password string) (smtp.Auth, error) {
	mechs := map[string]bool{}
	for _, m := range strings.Fields(strings.ToUpper(advertised)) {
		mechs[m] = true
	}
	switch {
	case mechs[sasl.Plain]:
		return &saslAuth{client: sasl.NewPlainClient("", user, password)}, nil
	case mechs[sasl.Login]:
		return &saslAuth{client: sasl.NewLoginClient(user, password)}, nil
	}
	return nil, fmt.Errorf("no supported auth mechanism in %q", advertised)
}

func isLocalhost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
