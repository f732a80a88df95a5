// cmd/cvmonitor/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"netbox-avd-sync/internal/changecontrol"
	"netbox-avd-sync/internal/config"
	"netbox-avd-sync/internal/inventory"
	"netbox-avd-sync/internal/netbox"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "cvmonitor",
		Usage: "change-job monitor and pipeline helpers",
		Commands: []*cli.Command{
			{
				Name:  "monitor",
				Usage: "block until a change job reaches a terminal state",
				Flags: []cli.Flag{
					envFileFlag(),
					&cli.StringFlag{
						Name:  "name",
						Usage: "change job name to resolve",
					},
					&cli.StringFlag{
						Name:  "id",
						Usage: "change job id (skips name resolution)",
					},
					&cli.BoolFlag{
						Name:  "poll",
						Usage: "poll on an interval instead of holding a stream open",
					},
				},
				Action: monitorAction,
			},
			{
				Name:  "schedule",
				Usage: "create a change job from task ids",
				Flags: []cli.Flag{
					envFileFlag(),
					&cli.StringFlag{
						Name:     "name",
						Usage:    "change job name",
						Required: true,
					},
					&cli.StringSliceFlag{
						Name:     "task",
						Usage:    "task id to include (repeatable)",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "id",
						Usage: "change job id (random uuid when omitted)",
					},
					&cli.BoolFlag{
						Name:  "auto-approve",
						Usage: "approve and start the job immediately",
					},
				},
				Action: scheduleAction,
			},
			{
				Name:      "vlan-status",
				Usage:     "set the deployment_status custom field on a NetBox VLAN",
				ArgsUsage: "<vlan-id> <status>",
				Flags:     []cli.Flag{envFileFlag()},
				Action:    vlanStatusAction,
			},
			{
				Name:  "update-inventory",
				Usage: "regenerate the AVD inventory from NetBox",
				Flags: []cli.Flag{
					envFileFlag(),
					&cli.StringFlag{
						Name:  "output",
						Usage: "inventory file path (default <repo>/inventory.yml)",
					},
				},
				Action: updateInventoryAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func envFileFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "env file path",
		Value: ".env",
	}
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("env"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func monitorAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateChangeControl(); err != nil {
		return err
	}

	name := cmd.String("name")
	id := cmd.String("id")
	if name == "" && id == "" {
		return fmt.Errorf("one of --name or --id is required")
	}

	client, err := changecontrol.NewClient(cfg.ChangeControl.Server, cfg.ChangeControl.Token, cfg.ChangeControl.CertFile)
	if err != nil {
		return err
	}
	mon := changecontrol.NewMonitor(client, cfg.ChangeControl.PollInterval, cfg.ChangeControl.Timeout)

	if id == "" {
		id, err = mon.ResolveJobID(ctx, name)
		if err != nil {
			return fmt.Errorf("resolve %q: %w", name, err)
		}
		log.Printf("[monitor] resolved %q to id=%s", name, id)
	}

	var res changecontrol.Result
	if cmd.Bool("poll") {
		res, err = mon.PollCompletion(ctx, id)
	} else {
		res, err = mon.AwaitCompletion(ctx, id)
	}
	if err != nil {
		return err
	}

	marker := name
	if marker == "" {
		marker = id
	}
	if err := writeStatusFile(cfg.Relay.StatusFile, marker); err != nil {
		log.Printf("[monitor] status file: %v", err)
	}

	switch res.Outcome {
	case changecontrol.Succeeded:
		log.Printf("[monitor] id=%s outcome=succeeded status=%s", id, res.Status.ShortName())
		return nil
	default:
		return fmt.Errorf("job %s %s: %s", id, res.Outcome, res.Reason)
	}
}

// writeStatusFile records which job was last monitored; /status on the
// relay serves its hash.
func writeStatusFile(path, marker string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(marker+"\n"), 0o644)
}

func scheduleAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateChangeControl(); err != nil {
		return err
	}

	client, err := changecontrol.NewClient(cfg.ChangeControl.Server, cfg.ChangeControl.Token, cfg.ChangeControl.CertFile)
	if err != nil {
		return err
	}

	id := cmd.String("id")
	if id == "" {
		id = uuid.NewString()
	}

	var actions []changecontrol.Action
	for _, task := range cmd.StringSlice("task") {
		actions = append(actions, changecontrol.Action{
			Name: "task",
			Args: map[string]string{"TaskID": task},
		})
	}

	version, err := client.Create(ctx, changecontrol.ChangeConfig{
		ID:      id,
		Name:    cmd.String("name"),
		Actions: actions,
		Notes:   "scheduled by cvmonitor",
	})
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	log.Printf("[schedule] created id=%s version=%s tasks=%d", id, version.Format(time.RFC3339Nano), len(actions))

	if !cmd.Bool("auto-approve") && !cfg.ChangeControl.AutoApprove {
		log.Printf("[schedule] id=%s left pending approval", id)
		fmt.Println(id)
		return nil
	}

	if err := client.Approve(ctx, id, version); err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	if err := client.Execute(ctx, id); err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	log.Printf("[schedule] id=%s approved and started", id)
	fmt.Println(id)
	return nil
}

func vlanStatusAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	args := cmd.Args()
	if args.Len() != 2 {
		return fmt.Errorf("usage: vlan-status <vlan-id> <status>")
	}
	vlanID, err := strconv.Atoi(args.Get(0))
	if err != nil {
		return fmt.Errorf("vlan-id must be an integer: %q", args.Get(0))
	}

	nb, err := netbox.NewClient(cfg.NetBox.URL, cfg.NetBox.Token, cfg.NetBox.CertFile)
	if err != nil {
		return err
	}
	if err := nb.UpdateVLANStatus(ctx, vlanID, args.Get(1)); err != nil {
		return fmt.Errorf("update vlan %d: %w", vlanID, err)
	}

	log.Printf("[vlan-status] vlan_id=%d deployment_status=%s", vlanID, args.Get(1))
	return nil
}

func updateInventoryAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	out := cmd.String("output")
	if out == "" {
		out = filepath.Join(cfg.Git.RepoPath, "inventory.yml")
	}

	nb, err := netbox.NewClient(cfg.NetBox.URL, cfg.NetBox.Token, cfg.NetBox.CertFile)
	if err != nil {
		return err
	}

	builder := inventory.NewBuilder(nb, cfg.ChangeControl.Server, cfg.ChangeControl.Username, cfg.ChangeControl.Password)
	changed, err := builder.Sync(ctx, out)
	if err != nil {
		return err
	}

	if changed {
		log.Printf("[inventory] %s updated", out)
	} else {
		log.Printf("[inventory] %s unchanged", out)
	}
	return nil
}
