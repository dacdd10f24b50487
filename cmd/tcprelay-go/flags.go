package main

import (
	"errors"

	"github.com/database64128/tcprelay-go/service"
)

var (
	errNoRole        = errors.New("missing -confPath <path>, or one of -client, -server, -proxy")
	errMultipleRoles = errors.New("only one of -client, -server, -proxy may be given")
	errNoListen      = errors.New("missing -listen <address>")
	errNoForward     = errors.New("missing -forward <address>")
)

// relayFlags configures a single relay from the command line.
type relayFlags struct {
	encrypt     bool
	decrypt     bool
	passthrough bool
	listen      string
	forward     string
}

func (f *relayFlags) isSet() bool {
	return f.encrypt || f.decrypt || f.passthrough || f.listen != "" || f.forward != ""
}

// Config returns a config with the single relay the flags describe.
// The key is read from the default environment variable.
func (f *relayFlags) Config() (service.Config, error) {
	var (
		role  service.Role
		roles int
	)
	if f.encrypt {
		role = service.RoleEncrypt
		roles++
	}
	if f.decrypt {
		role = service.RoleDecrypt
		roles++
	}
	if f.passthrough {
		role = service.RolePassthrough
		roles++
	}

	switch {
	case roles == 0:
		return service.Config{}, errNoRole
	case roles > 1:
		return service.Config{}, errMultipleRoles
	case f.listen == "":
		return service.Config{}, errNoListen
	case f.forward == "":
		return service.Config{}, errNoForward
	}

	return service.Config{
		Relays: []service.RelayConfig{
			{
				Name:           role.String(),
				Role:           role,
				ListenAddress:  f.listen,
				ForwardAddress: f.forward,
			},
		},
	}, nil
}
