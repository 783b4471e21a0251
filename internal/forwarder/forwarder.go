// Package forwarder implements the CLI-wrapper half of the external
// session contract: it runs an arbitrary command under a
// locally-owned PTY, passes it through to the invoking terminal exactly
// as a normal shell would, and simultaneously tees the child's output
// over a unix socket to a vtmuxd ExternalIngest listener so the session
// is visible remotely too.
package forwarder

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"

	"github.com/creack/pty"
	"golang.org/x/term"

	"vtmux/internal/externalingest"
)

// Run starts command under a PTY, wires the controlling terminal to it,
// and streams its output to the ExternalIngest socket at sockPath until
// the child exits. It returns the child's exit code.
func Run(sockPath string, command []string) (int, error) {
	if len(command) == 0 {
		return -1, fmt.Errorf("forwarder: empty command")
	}

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return -1, fmt.Errorf("forwarder: dial control socket: %w", err)
	}
	defer conn.Close()

	cmd := exec.Command(command[0], command[1:]...)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return -1, fmt.Errorf("forwarder: start pty: %w", err)
	}
	defer ptmx.Close()

	stdinFd := int(os.Stdin.Fd())
	var restore *term.State
	if term.IsTerminal(stdinFd) {
		restore, err = term.MakeRaw(stdinFd)
		if err == nil {
			defer term.Restore(stdinFd, restore)
		}
	}

	resizeCh := make(chan os.Signal, 1)
	signal.Notify(resizeCh, sigwinch())
	defer signal.Stop(resizeCh)
	go func() {
		for range resizeCh {
			syncSize(ptmx, stdinFd, conn)
		}
	}()
	syncSize(ptmx, stdinFd, conn)

	go io.Copy(ptmx, os.Stdin)

	teeDone := make(chan struct{})
	go func() {
		defer close(teeDone)
		buf := make([]byte, 32*1024)
		for {
			n, rerr := ptmx.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				os.Stdout.Write(chunk)
				writeMessage(conn, externalingest.MsgOutput, chunk)
			}
			if rerr != nil {
				return
			}
		}
	}()

	err = cmd.Wait()
	<-teeDone

	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	exitPayload := make([]byte, 4)
	binary.LittleEndian.PutUint32(exitPayload, uint32(int32(code)))
	writeMessage(conn, externalingest.MsgExit, exitPayload)

	return code, nil
}

func syncSize(ptmx *os.File, stdinFd int, conn net.Conn) {
	cols, rows, err := term.GetSize(stdinFd)
	if err != nil {
		return
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], uint32(cols))
	binary.LittleEndian.PutUint32(payload[4:8], uint32(rows))
	writeMessage(conn, externalingest.MsgResize, payload)
}

func writeMessage(conn net.Conn, typ byte, payload []byte) {
	header := make([]byte, 5)
	header[0] = typ
	binary.LittleEndian.PutUint32(header[1:5], uint32(len(payload)))
	if _, err := conn.Write(header); err != nil {
		return
	}
	if len(payload) > 0 {
		_, _ = conn.Write(payload)
	}
}
