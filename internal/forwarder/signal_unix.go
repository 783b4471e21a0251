package forwarder

import (
	"os"
	"syscall"
)

func sigwinch() os.Signal { return syscall.SIGWINCH }
