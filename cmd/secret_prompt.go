package cmd

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// promptForSecret returns the value of envVar if set, otherwise reads a
// hidden value from the terminal (or a plain line if stdin isn't a tty).
func promptForSecret(envVar, prompt string) (string, error) {
	if v := os.Getenv(envVar); v != "" {
		return v, nil
	}

	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		value, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read value: %w", err)
		}
		return string(value), nil
	}

	var line string
	if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
		return "", fmt.Errorf("failed to read value: %w", err)
	}
	return line, nil
}
