package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/querycache/pkg/models"
)

func newConversationCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "conversation",
		Short: "Manage the conversation history the cache answers from",
	}

	importCmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import messages from a JSON-lines file (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = os.Stdin
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			a, err := loadApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := importMessages(r, func(m models.Message) error {
				return a.conv.Record(cmd.Context(), m)
			})
			if err != nil {
				return fmt.Errorf("import stopped after %d messages: %w", n, err)
			}
			fmt.Printf("Imported %d messages.\n", n)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.AddCommand(importCmd)
	return cmd
}

// importMessages decodes one message per line and passes it to record.
// Blank lines are skipped.
func importMessages(r io.Reader, record func(models.Message) error) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	n, line := 0, 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var m models.Message
		if err := json.Unmarshal(b, &m); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		switch {
		case m.ID == "" || m.ConversationID == "":
			return n, fmt.Errorf("line %d: id and conversation_id are required", line)
		case m.Role != models.RoleUser && m.Role != models.RoleAssistant:
			return n, fmt.Errorf("line %d: unknown role %q", line, m.Role)
		}
		if err := record(m); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
	return n, sc.Err()
}
