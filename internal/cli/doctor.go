package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/recapio/recap/internal/config"
	"github.com/recapio/recap/internal/llm"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration readiness without starting anything",
	RunE:  runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	var checks []checkResult

	cfg, err := config.Load(configPath)
	if err != nil {
		var ce *config.Error
		detail := err.Error()
		if ok := asConfigError(err, &ce); ok {
			detail = ce.Error()
		}
		checks = append(checks, checkResult{label: "configuration", detail: detail})
	} else {
		checks = append(checks, checkResult{label: "configuration", ok: true,
			detail: "all required keys present"})

		switch cfg.LLM.Provider {
		case llm.ProviderOpenAI, llm.ProviderBedrock:
			checks = append(checks, checkResult{label: "llm provider", ok: true,
				detail: fmt.Sprintf("%s / %s", cfg.LLM.Provider, cfg.LLM.Model)})
		case llm.ProviderFake:
			if cfg.LLM.TestMode {
				checks = append(checks, checkResult{label: "llm provider", ok: true,
					detail: "fake (test mode)"})
			} else {
				checks = append(checks, checkResult{label: "llm provider",
					detail: "fake is forbidden outside test mode"})
			}
		default:
			checks = append(checks, checkResult{label: "llm provider",
				detail: fmt.Sprintf("unknown provider %q", cfg.LLM.Provider)})
		}

		if cfg.Inbox.Dir != "" {
			detail := cfg.Inbox.Dir
			ok := true
			if _, statErr := os.Stat(cfg.Inbox.Dir); statErr != nil {
				ok = false
				detail = fmt.Sprintf("%s: %v", cfg.Inbox.Dir, statErr)
			}
			checks = append(checks, checkResult{label: "inbox directory", ok: ok, detail: detail})
		}
	}

	failed := false
	for _, c := range checks {
		mark := "ok"
		if !c.ok {
			mark = "FAIL"
			failed = true
		}
		fmt.Printf("%-20s %-5s %s\n", c.label, mark, c.detail)
	}
	if failed {
		return fmt.Errorf("doctor found problems")
	}
	return nil
}

func asConfigError(err error, target **config.Error) bool {
	ce, ok := err.(*config.Error)
	if ok {
		*target = ce
	}
	return ok
}
