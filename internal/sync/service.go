// Package sync implements the background tasks behind the relay
// webhooks: converge the repo on a working branch and push it for CI,
// run the validation pass, or fast-forward the local checkout.
package sync

import (
	"context"
	"fmt"
	"log"
	"time"

	"netbox-avd-sync/internal/config"
	"netbox-avd-sync/internal/runner"
)

// GitRepo is the slice of gitops.Repo the service needs.
type GitRepo interface {
	IsClean() (bool, error)
	Fetch(ctx context.Context) error
	StartBranch(name string) error
	CheckoutMain() error
	DeleteBranch(name string) error
	StageAll() (bool, error)
	StagePaths(paths []string) (bool, error)
	Commit(message string) error
	Push(ctx context.Context, branch string) error
	PullMain(ctx context.Context) error
}

// VLANData identifies the VLAN that triggered a sync: the inventory
// database row ID and the 802.1Q tag.
type VLANData struct {
	DBID  int `json:"vlan_db_id"`
	TagID int `json:"vlan_tag_id"`
}

type Service struct {
	git   GitRepo
	steps runner.StepRunner
	cfg   config.RunnerConfig

	mainBranch string
	now        func() time.Time
}

func NewService(git GitRepo, steps runner.StepRunner, cfg config.RunnerConfig, mainBranch string) *Service {
	return &Service{
		git:        git,
		steps:      steps,
		cfg:        cfg,
		mainBranch: mainBranch,
		now:        time.Now,
	}
}

// Outcome is what a finished task reports back to its audit row.
type Outcome struct {
	Branch string `json:"branch,omitempty"`
	Pushed bool   `json:"pushed"`
	// Skipped explains a clean no-push outcome (no net changes).
	Skipped string `json:"skipped,omitempty"`
}

// BranchAndPush runs the full convergence sequence on a fresh working
// branch cut from the mainline tip. The first failing step aborts the
// sequence and rolls the branch back; a run with no net changes deletes
// the branch without pushing.
func (s *Service) BranchAndPush(ctx context.Context, vlan *VLANData) (Outcome, error) {
	clean, err := s.git.IsClean()
	if err != nil {
		return Outcome{}, err
	}
	if !clean {
		return Outcome{}, fmt.Errorf("working tree has uncommitted changes, refusing to branch")
	}

	if err := s.git.Fetch(ctx); err != nil {
		return Outcome{}, err
	}

	branch := "sync-" + s.now().Format("20060102-150405")
	log.Printf("[sync] branch=%s vlan=%s creating working branch", branch, vlanLabel(vlan))
	if err := s.git.StartBranch(branch); err != nil {
		return Outcome{}, err
	}

	for _, playbook := range s.cfg.Playbooks {
		step := runner.Step{Playbook: playbook}
		if vlan != nil {
			step.ExtraVars = map[string]string{"netbox_vlan_id": fmt.Sprint(vlan.TagID)}
		}
		log.Printf("[sync] branch=%s step=%s running", branch, step.Name())
		if _, err := s.steps.Run(ctx, step); err != nil {
			log.Printf("[sync] branch=%s step=%s failed, rolling back: %v", branch, step.Name(), err)
			s.rollback(branch)
			return Outcome{Branch: branch}, fmt.Errorf("convergence aborted: %w", err)
		}
	}

	staged, err := s.git.StageAll()
	if err != nil {
		s.rollback(branch)
		return Outcome{Branch: branch}, err
	}
	if !staged {
		log.Printf("[sync] branch=%s no net changes, skipping push", branch)
		s.rollback(branch)
		return Outcome{Branch: branch, Skipped: "no net changes"}, nil
	}

	message := "Auto-sync triggered at " + branch
	if vlan != nil {
		message += fmt.Sprintf(" for VLAN Tag: %d (DB_ID: %d)", vlan.TagID, vlan.DBID)
	}
	if err := s.git.Commit(message); err != nil {
		s.rollback(branch)
		return Outcome{Branch: branch}, err
	}

	if err := s.git.Push(ctx, branch); err != nil {
		// the commit exists locally; just leave the tree on mainline
		if coErr := s.git.CheckoutMain(); coErr != nil {
			log.Printf("[sync] branch=%s checkout main after push failure: %v", branch, coErr)
		}
		return Outcome{Branch: branch}, err
	}

	if err := s.git.CheckoutMain(); err != nil {
		return Outcome{Branch: branch, Pushed: true}, err
	}
	log.Printf("[sync] branch=%s pushed", branch)
	return Outcome{Branch: branch, Pushed: true}, nil
}

// RunTestPass pulls the mainline, runs the validation playbook, and
// commits only the allow-listed report paths when they changed. A
// failing playbook aborts without touching git state.
func (s *Service) RunTestPass(ctx context.Context) (Outcome, error) {
	if err := s.git.PullMain(ctx); err != nil {
		return Outcome{}, err
	}

	step := runner.Step{Playbook: s.cfg.TestPlaybook, InventoryFile: "inventory.yml"}
	log.Printf("[sync] step=%s running validation pass", step.Name())
	if _, err := s.steps.Run(ctx, step); err != nil {
		return Outcome{}, fmt.Errorf("validation pass aborted: %w", err)
	}

	staged, err := s.git.StagePaths(s.cfg.AllowedPaths)
	if err != nil {
		return Outcome{}, err
	}
	if !staged {
		log.Printf("[sync] no report changes, nothing to commit")
		return Outcome{Skipped: "no report changes"}, nil
	}

	message := "Auto-commit ANTA reports at " + s.now().Format("2006-01-02 15:04:05")
	if err := s.git.Commit(message); err != nil {
		return Outcome{}, err
	}
	if err := s.git.Push(ctx, s.mainBranch); err != nil {
		return Outcome{}, err
	}
	log.Printf("[sync] report changes pushed to %s", s.mainBranch)
	return Outcome{Branch: s.mainBranch, Pushed: true}, nil
}

// UpdateRepo fast-forwards the local checkout after an upstream push.
func (s *Service) UpdateRepo(ctx context.Context) (Outcome, error) {
	if err := s.git.PullMain(ctx); err != nil {
		return Outcome{}, err
	}
	log.Printf("[sync] local checkout updated from upstream")
	return Outcome{Branch: s.mainBranch}, nil
}

func (s *Service) rollback(branch string) {
	if err := s.git.CheckoutMain(); err != nil {
		log.Printf("[sync] rollback: checkout main: %v", err)
		return
	}
	if err := s.git.DeleteBranch(branch); err != nil {
		log.Printf("[sync] rollback: delete branch %s: %v", branch, err)
	}
}

func vlanLabel(v *VLANData) string {
	if v == nil {
		return "none"
	}
	return fmt.Sprintf("%d/%d", v.TagID, v.DBID)
}
