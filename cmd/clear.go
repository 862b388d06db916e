package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"labtools/internal/logger"
	"labtools/pkg/services"
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every stored record of a subject",
	Long: `Delete all records of one subject from the record store.

This cannot be undone. The command asks for the word "yes" before deleting
unless --yes is given.`,
	Example: `  # Delete subject-42's records after confirmation
  labtools clear --subject subject-42`,
	Args: cobra.NoArgs,
	RunE: runClear,
}

func init() {
	rootCmd.AddCommand(clearCmd)

	clearCmd.Flags().String("subject", "", "Subject ID whose records are deleted [REQUIRED]")
	clearCmd.Flags().Bool("yes", false, "Skip the confirmation prompt")

	_ = clearCmd.MarkFlagRequired("subject")
}

func runClear(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("clear")

	subjectID, _ := cmd.Flags().GetString("subject")
	skipConfirm, _ := cmd.Flags().GetBool("yes")

	if err := validateSubject(subjectID); err != nil {
		return err
	}

	cfg, _, err := loadSettings(cmd, log)
	if err != nil {
		return err
	}

	ctx, cancel := createContext(0, log)
	defer cancel()

	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	deleted, err := clearSubject(ctx, st, subjectID, skipConfirm, cmd.InOrStdin(), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	log.Info().Str("subject_id", subjectID).Int64("deleted", deleted).Msg("Subject records deleted")
	return nil
}

// clearSubject deletes the records of subjectID once the user has confirmed
// the count shown. Nothing is asked when the subject has no records or
// skipConfirm is set.
func clearSubject(ctx context.Context, reader services.RecordReader, subjectID string, skipConfirm bool, in io.Reader, out io.Writer) (int64, error) {
	records, err := reader.ListBySubject(ctx, subjectID)
	if err != nil {
		return 0, fmt.Errorf("failed to read records: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintf(out, "No records stored for subject %s\n", subjectID)
		return 0, nil
	}

	if !skipConfirm {
		ok, err := confirm(in, out,
			fmt.Sprintf("Delete %d records of %s? Type 'yes' to confirm: ", len(records), subjectID))
		if err != nil {
			return 0, err
		}
		if !ok {
			fmt.Fprintln(out, "Aborted.")
			return 0, nil
		}
	}

	deleted, err := reader.DeleteSubject(ctx, subjectID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete records: %w", err)
	}
	fmt.Fprintf(out, "Deleted %d records of %s\n", deleted, subjectID)
	return deleted, nil
}

// confirm prints prompt and reports whether the answer is exactly "yes".
func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprint(out, prompt)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	return strings.TrimSpace(answer) == "yes", nil
}
