package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

const stateFileName = ".easytransfer"

// State is what a running server publishes for the share client.
type State struct {
	Port   int
	Public string
}

// DefaultStatePath is $TMPDIR/.easytransfer.
func DefaultStatePath() string {
	return filepath.Join(os.TempDir(), stateFileName)
}

// WriteState stores st at path in dotenv format.
func WriteState(path string, st State) error {
	err := godotenv.Write(map[string]string{
		"port":   strconv.Itoa(st.Port),
		"public": st.Public,
	}, path)
	if err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// ReadState loads the state written by a running server.
func ReadState(path string) (State, error) {
	env, err := godotenv.Read(path)
	if err != nil {
		return State{}, fmt.Errorf("failed to read state file: %w", err)
	}
	port, err := strconv.Atoi(env["port"])
	if err != nil {
		return State{}, fmt.Errorf("state file %s has no valid port", path)
	}
	return State{Port: port, Public: env["public"]}, nil
}
