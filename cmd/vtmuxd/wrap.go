package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"vtmux/internal/forwarder"
	"vtmux/internal/session"
)

func newWrapCmd() *cobra.Command {
	var serverAddr string
	var name string

	cmd := &cobra.Command{
		Use:   "wrap -- <command> [args...]",
		Short: "Run a command locally while also registering it as a remote session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := registerExternal(serverAddr, name, args)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "vtmuxd: session %s registered (%s)\n", sess.ID, strings.Join(args, " "))

			code, err := forwarder.Run(sess.ControlSock, args)
			if err != nil {
				return err
			}
			os.Exit(code)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverAddr, "server", "http://127.0.0.1:7681", "vtmuxd HTTP address")
	cmd.Flags().StringVar(&name, "name", "", "human-readable session name")
	return cmd
}

func registerExternal(addr, name string, command []string) (*session.Session, error) {
	body, err := json.Marshal(map[string]any{
		"command":  command,
		"name":     name,
		"external": true,
	})
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(addr+"/api/sessions", "application/json", strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, httpError(resp)
	}
	var sess session.Session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return nil, err
	}
	return &sess, nil
}
