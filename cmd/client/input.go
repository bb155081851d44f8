package main

import (
	"bufio"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"golang.org/x/term"
)

// lineReader 在终端中提供行编辑与历史记录，管道输入时退化为逐行读取。
type lineReader struct {
	state       *liner.State
	scanner     *bufio.Scanner
	historyPath string
}

func newLineReader(historyPath string) *lineReader {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return &lineReader{scanner: bufio.NewScanner(os.Stdin)}
	}

	state := liner.NewLiner()
	state.SetCtrlCAborts(true)
	r := &lineReader{state: state, historyPath: historyPath}
	if f, err := os.Open(historyPath); err == nil {
		state.ReadHistory(f)
		f.Close()
	}
	return r
}

var errInputClosed = errors.New("input closed")

func (r *lineReader) read(prompt string) (string, error) {
	if r.state == nil {
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return "", err
			}
			return "", errInputClosed
		}
		return r.scanner.Text(), nil
	}

	line, err := r.state.Prompt(prompt)
	if err != nil {
		return "", errInputClosed
	}
	if strings.TrimSpace(line) != "" {
		r.state.AppendHistory(line)
	}
	return line, nil
}

func (r *lineReader) close() {
	if r.state == nil {
		return
	}
	defer r.state.Close()
	if r.historyPath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.historyPath), 0o700); err != nil {
		log.Printf("[client] history dir: %v", err)
		return
	}
	f, err := os.OpenFile(r.historyPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		log.Printf("[client] save history: %v", err)
		return
	}
	defer f.Close()
	if _, err := r.state.WriteHistory(f); err != nil {
		log.Printf("[client] save history: %v", err)
	}
}
