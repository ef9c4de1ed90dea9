package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/spindle/config"
	"tangled.sh/tangled.sh/spindle/db"
	"tangled.sh/tangled.sh/spindle/secrets"
)

func secretCommand() *cli.Command {
	repoFlag := &cli.StringFlag{
		Name:     "repo",
		Usage:    "repository the secret belongs to, as in the event's repository field",
		Required: true,
	}
	workflowFlag := &cli.StringFlag{
		Name:  "workflow",
		Usage: "limit the secret to one workflow; repository-wide when empty",
	}

	return &cli.Command{
		Name:  "secret",
		Usage: "manage repository secrets",
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "add a secret",
				ArgsUsage: "<KEY> <value>",
				Flags: []cli.Flag{
					repoFlag,
					workflowFlag,
					&cli.StringFlag{Name: "created-by", Usage: "who added the secret", Value: os.Getenv("USER")},
				},
				Action: secretAdd,
			},
			{
				Name:   "list",
				Usage:  "list the secret keys of a repository",
				Flags:  []cli.Flag{repoFlag},
				Action: secretList,
			},
			{
				Name:      "rm",
				Usage:     "remove a secret",
				ArgsUsage: "<KEY>",
				Flags:     []cli.Flag{repoFlag, workflowFlag},
				Action:    secretRemove,
			},
		},
	}
}

func withSecrets(ctx context.Context, fn func(m secrets.Manager) error) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d, err := db.Make(cfg.Secrets.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}
	defer d.Close()

	m, err := secrets.NewSQLiteManager(d)
	if err != nil {
		return err
	}
	return fn(m)
}

func secretAdd(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 2 {
		return fmt.Errorf("expected <KEY> <value>")
	}
	return withSecrets(ctx, func(m secrets.Manager) error {
		return m.AddSecret(ctx, secrets.UnlockedSecret{
			Key:       cmd.Args().Get(0),
			Value:     cmd.Args().Get(1),
			Repo:      secrets.Repo(cmd.String("repo")),
			Workflow:  cmd.String("workflow"),
			CreatedBy: cmd.String("created-by"),
		})
	})
}

func secretList(ctx context.Context, cmd *cli.Command) error {
	return withSecrets(ctx, func(m secrets.Manager) error {
		ss, err := m.GetSecretsLocked(ctx, secrets.Repo(cmd.String("repo")))
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tWORKFLOW\tCREATED\tBY")
		for _, s := range ss {
			scope := s.Workflow
			if scope == secrets.AllWorkflows {
				scope = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Key, scope, humanize.Time(s.CreatedAt), s.CreatedBy)
		}
		return tw.Flush()
	})
}

func secretRemove(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("expected <KEY>")
	}
	return withSecrets(ctx, func(m secrets.Manager) error {
		return m.RemoveSecret(ctx, secrets.Secret[any]{
			Key:      cmd.Args().Get(0),
			Repo:     secrets.Repo(cmd.String("repo")),
			Workflow: cmd.String("workflow"),
		})
	})
}
