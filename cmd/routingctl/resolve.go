package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wtf-ops/backend/internal/ai"
	"github.com/wtf-ops/backend/internal/guard"
	"github.com/wtf-ops/backend/internal/models"
	"github.com/wtf-ops/backend/internal/registry"
	"github.com/wtf-ops/backend/internal/routing"
	"github.com/wtf-ops/backend/internal/seed"
	"github.com/wtf-ops/backend/internal/service"
)

func resolveCmd() *cobra.Command {
	var (
		seedFile    string
		messageFile string
		text        string
	)
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Show which rules a message would match, without dispatching",
		Long: `Resolves a classified message (--message msg.json) or a raw text
(--text, classified with the keyword classifier) against a seed file or the
built-in configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (messageFile == "") == (text == "") {
				return fmt.Errorf("exactly one of --message or --text is required")
			}

			var (
				b   guard.Bundle
				err error
			)
			if seedFile != "" {
				b, err = seed.Load(seedFile)
			} else {
				b, err = seed.Default()
			}
			if err != nil {
				return err
			}
			catalog := registry.NewCatalog(nil, logger)
			if _, err := guard.New(catalog, nil, nil, logger).Reseed(cmd.Context(), b); err != nil {
				return err
			}

			var msg models.ClassifiedMessage
			if messageFile != "" {
				data, err := os.ReadFile(messageFile)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &msg); err != nil {
					return fmt.Errorf("decode %s: %w", messageFile, err)
				}
			} else {
				msg, _, err = ai.KeywordAdapter{Categories: catalog}.Classify(cmd.Context(), models.RawMessage{Text: text})
				if err != nil {
					return err
				}
			}

			svc := &service.RoutingService{Catalog: catalog, Logger: logger}
			out := struct {
				Message    models.ClassifiedMessage `json:"message"`
				Resolution routing.Resolution       `json:"resolution"`
			}{Message: ai.Normalize(msg), Resolution: svc.Explain(msg)}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&seedFile, "seed", "", "seed file (default: built-in configuration)")
	cmd.Flags().StringVarP(&messageFile, "message", "m", "", "classified message JSON file")
	cmd.Flags().StringVarP(&text, "text", "t", "", "raw message text")
	return cmd
}
