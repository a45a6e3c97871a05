package common

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// TrapSignal catches SIGTERM and SIGINT, runs cb and exits.
func TrapSignal(cb func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range c {
			fmt.Printf("captured %v, exiting...\n", sig)
			if cb != nil {
				cb()
			}
			os.Exit(1)
		}
	}()
	select {}
}

// EnsureDir creates dir with the given mode unless it already exists.
func EnsureDir(dir string, mode os.FileMode) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		err := os.MkdirAll(dir, mode)
		if err != nil {
			return fmt.Errorf("Could not create directory %v. %v", dir, err)
		}
	}
	return nil
}

// FileExists reports whether filePath exists.
func FileExists(filePath string) bool {
	_, err := os.Stat(filePath)
	return !os.IsNotExist(err)
}

// MustWriteFile writes contents to filePath and panics on failure.
func MustWriteFile(filePath string, contents []byte, mode os.FileMode) {
	err := ioutil.WriteFile(filePath, contents, mode)
	if err != nil {
		PanicSanity(fmt.Sprintf("MustWriteFile failed: %v", err))
	}
}

// PanicSanity panics on a condition the program should have prevented.
func PanicSanity(v interface{}) {
	panic(fmt.Sprintf("Panicked on a Sanity Check: %v", v))
}

// PanicCrisis panics on an unrecoverable storage or system failure.
func PanicCrisis(v interface{}) {
	panic(fmt.Sprintf("Panicked on a Crisis: %v", v))
}

// ProtocolAndAddress splits an address into the protocol and address components.
// For instance, "tcp://0.0.0.0:13500" becomes "tcp" and "0.0.0.0:13500".
// If the address has no protocol prefix, the default is "tcp".
func ProtocolAndAddress(listenAddr string) (string, string) {
	protocol, address := "tcp", listenAddr
	parts := strings.SplitN(address, "://", 2)
	if len(parts) == 2 {
		protocol, address = parts[0], parts[1]
	}
	return protocol, address
}
