package engine

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var envKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func envFileName(idx int) string {
	return fmt.Sprintf("env-%d", idx)
}

// readEnvFile parses the KEY=value lines a step appended to its
// $SPINDLE_ENV file. Blank lines and # comments are ignored; malformed
// lines are returned as problems and otherwise skipped. The file is
// removed once read.
func readEnvFile(stateDir string, idx int) (map[string]string, []string, error) {
	path := filepath.Join(stateDir, envFileName(idx))
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	defer os.Remove(path)
	defer f.Close()

	vars := make(map[string]string)
	var problems []string

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" || strings.HasPrefix(strings.TrimSpace(text), "#") {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		key = strings.TrimSpace(key)
		if !ok || !envKey.MatchString(key) {
			problems = append(problems, fmt.Sprintf("line %d: expected KEY=value", line))
			continue
		}
		vars[key] = value
	}
	if err := scanner.Err(); err != nil {
		return vars, problems, err
	}
	return vars, problems, nil
}
