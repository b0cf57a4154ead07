package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard on stdin and stdout
func NewWizard() *Wizard {
	return NewWizardIO(os.Stdin, os.Stdout)
}

// NewWizardIO creates a wizard on the given streams
func NewWizardIO(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	w.println("=== threadkeeper configuration ===")
	w.println()

	cfg := DefaultConfig()
	validator := NewValidator()

	// Responder
	w.println("Reply generator (echo, openai, anthropic):")
	for {
		provider, err := w.ask("Provider [echo]: ")
		if err != nil {
			return nil, err
		}
		if provider == "" {
			provider = "echo"
		}
		if err := validator.ValidateProvider(provider); err != nil {
			w.printf("Error: %v\n", err)
			continue
		}
		cfg.Responder.Provider = provider
		break
	}

	if cfg.Responder.Provider != "echo" {
		for {
			key, err := w.ask(fmt.Sprintf("%s API key: ", cfg.Responder.Provider))
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateAPIKey(key, cfg.Responder.Provider); err != nil {
				w.printf("Error: %v\n", err)
				continue
			}
			cfg.Responder.APIKey = key
			break
		}

		model, err := w.ask("Model (press Enter for the provider default): ")
		if err != nil {
			return nil, err
		}
		cfg.Responder.Model = model
	}

	w.println()

	// Telegram
	enable, err := w.ask("Enable Telegram integration? (y/n) [n]: ")
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(enable, "y") {
		cfg.Telegram.Enabled = true
		for {
			token, err := w.ask("Telegram Bot Token: ")
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateTelegramToken(token); err != nil {
				w.printf("Error: %v\n", err)
				continue
			}
			cfg.Telegram.BotToken = token
			break
		}
	}

	w.println()

	// Inactivity
	w.println("Inactivity:")
	warn, err := w.askInt("Warn after seconds without a message", cfg.Session.WarnAfterSeconds)
	if err != nil {
		return nil, err
	}
	closeAfter, err := w.askInt("Close this many seconds after the warning", cfg.Session.CloseAfterSeconds)
	if err != nil {
		return nil, err
	}
	cfg.Session.WarnAfterSeconds = warn
	cfg.Session.CloseAfterSeconds = closeAfter
	if minutes := (warn + closeAfter + 59) / 60; minutes > cfg.Session.AutoCloseMinutes {
		cfg.Session.AutoCloseMinutes = minutes
	}

	w.println()

	// Log Level
	level, err := w.ask("Log level (debug/info/warn/error) [info]: ")
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			w.printf("Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	w.println()
	w.println("Configuration complete!")

	return cfg, nil
}

func (w *Wizard) ask(prompt string) (string, error) {
	fmt.Fprint(w.out, prompt)
	return w.readLine()
}

func (w *Wizard) askInt(label string, def int) (int, error) {
	for {
		raw, err := w.ask(fmt.Sprintf("%s [%d]: ", label, def))
		if err != nil {
			return 0, err
		}
		if raw == "" {
			return def, nil
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			w.printf("Error: expected a positive number\n")
			continue
		}
		return n, nil
	}
}

func (w *Wizard) println(a ...interface{}) {
	fmt.Fprintln(w.out, a...)
}

func (w *Wizard) printf(format string, a ...interface{}) {
	fmt.Fprintf(w.out, format, a...)
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}
