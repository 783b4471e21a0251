package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"vtmux/internal/session"
)

func newSessionsCmd() *cobra.Command {
	var serverAddr string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and control sessions on a running vtmuxd",
	}
	cmd.PersistentFlags().StringVar(&serverAddr, "server", "http://127.0.0.1:7681", "vtmuxd HTTP address")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all known sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sessionsList(serverAddr)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one session's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sessionsShow(serverAddr, args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "kill <id>",
		Short: "Destroy a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sessionsKill(serverAddr, args[0])
		},
	})

	return cmd
}

func sessionsList(addr string) error {
	resp, err := http.Get(addr + "/api/sessions")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}

	var body struct {
		Sessions []*session.Session `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	for _, sess := range body.Sessions {
		fmt.Printf("%s\t%-10s\t%s\n", sess.ID, sess.Status, sess.Command)
	}
	return nil
}

func sessionsShow(addr, id string) error {
	resp, err := http.Get(addr + "/api/sessions/" + id)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	var sess session.Session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return err
	}
	data, _ := json.MarshalIndent(sess, "", "  ")
	fmt.Println(string(data))
	return nil
}

func sessionsKill(addr, id string) error {
	req, err := http.NewRequest(http.MethodDelete, addr+"/api/sessions/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return httpError(resp)
	}
	fmt.Println("killed", id)
	return nil
}

func httpError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("server returned %s: %s", resp.Status, string(data))
}
