package cli

import (
	"errors"
	"fmt"

	"github.com/3lC4pt41n/ai-org-prototype/internal/config"
	"github.com/3lC4pt41n/ai-org-prototype/internal/store"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify home directory, config, and store health",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())

			var problems []string

			if _, err := config.Load(home); err != nil {
				problems = append(problems, fmt.Sprintf("config: %v", err))
			}

			// Opening the store applies pending schema migrations.
			if st, err := store.Open(home); err != nil {
				problems = append(problems, fmt.Sprintf("store: %v", err))
			} else {
				_ = st.Close()
			}

			if len(problems) > 0 {
				for _, p := range problems {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	return cmd
}
