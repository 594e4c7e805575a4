package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const maxEntries = 500

// LoadLogs reads the recent game log lines of a server from file
// Returns logs in reverse chronological order (newest first)
func LoadLogs(dataDir, server string) ([]string, error) {
	lines, err := readLines(logsPath(dataDir, server))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	// Reverse so newest is first (file stores oldest first)
	return reverse(lines), nil
}

// SaveLogs writes the recent game log lines of a server to file
// Expects logs in reverse chronological order (newest first)
func SaveLogs(dataDir, server string, logs []string) error {
	// Reverse back to oldest-first for file storage
	return writeLines(logsPath(dataDir, server), reverse(logs))
}

// LoadStats reads the command audit log from file
func LoadStats(dataDir string) ([]string, error) {
	path := filepath.Join(dataDir, "stats.txt")
	lines, err := readLines(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	return lines, nil
}

// SaveStats writes the command audit log to file (max 500 entries)
func SaveStats(dataDir string, stats []string) error {
	path := filepath.Join(dataDir, "stats.txt")
	// Trim to max entries (keep newest at end)
	if len(stats) > maxEntries {
		stats = stats[len(stats)-maxEntries:]
	}
	return writeLines(path, stats)
}

// AddLog prepends a new log entry (keeping newest first in memory)
func AddLog(logs []string, entry string) []string {
	logs = append([]string{entry}, logs...)
	if len(logs) > maxEntries {
		logs = logs[:maxEntries]
	}
	return logs
}

// AddStat appends a new stat entry
func AddStat(stats []string, entry string) []string {
	stats = append(stats, entry)
	if len(stats) > maxEntries {
		stats = stats[1:]
	}
	return stats
}

// Journal keeps the recent log lines of every server in memory and
// writes the changed ones back on Flush
type Journal struct {
	dataDir string

	mu    sync.Mutex
	logs  map[string][]string
	dirty map[string]bool
}

// OpenJournal creates a journal backed by dataDir, creating the directory
// if needed
func OpenJournal(dataDir string) (*Journal, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return &Journal{
		dataDir: dataDir,
		logs:    make(map[string][]string),
		dirty:   make(map[string]bool),
	}, nil
}

// Record adds a line to the server log
func (j *Journal) Record(server, line string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	logs, err := j.load(server)
	if err != nil {
		return err
	}
	j.logs[server] = AddLog(logs, line)
	j.dirty[server] = true
	return nil
}

// Recent returns up to n lines of the server log, newest first
func (j *Journal) Recent(server string, n int) ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	logs, err := j.load(server)
	if err != nil {
		return nil, err
	}
	if n > len(logs) {
		n = len(logs)
	}
	return append([]string(nil), logs[:n]...), nil
}

// Flush saves every server log changed since the last flush
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for server := range j.dirty {
		if err := SaveLogs(j.dataDir, server, j.logs[server]); err != nil {
			return fmt.Errorf("failed to save logs for %s: %w", server, err)
		}
		delete(j.dirty, server)
	}
	return nil
}

// load must be called with mu held
func (j *Journal) load(server string) ([]string, error) {
	if logs, ok := j.logs[server]; ok {
		return logs, nil
	}
	logs, err := LoadLogs(j.dataDir, server)
	if err != nil {
		return nil, fmt.Errorf("failed to load logs for %s: %w", server, err)
	}
	j.logs[server] = logs
	return logs, nil
}

func logsPath(dataDir, server string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, server)
	return filepath.Join(dataDir, "logs-"+name+".txt")
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

func writeLines(path string, lines []string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	for _, line := range lines {
		if _, err := fmt.Fprintln(file, line); err != nil {
			return err
		}
	}
	return nil
}

func reverse(s []string) []string {
	result := make([]string, len(s))
	for i, v := range s {
		result[len(s)-1-i] = v
	}
	return result
}
