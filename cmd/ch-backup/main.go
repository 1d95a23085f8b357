package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli"

	"github.com/yandex/ch-backup/pkg/backup"
	"github.com/yandex/ch-backup/pkg/clickhouse"
	"github.com/yandex/ch-backup/pkg/config"
	"github.com/yandex/ch-backup/pkg/lock"
	"github.com/yandex/ch-backup/pkg/metadata"
	"github.com/yandex/ch-backup/pkg/storage"
)

// Command exit codes.
const (
	ExitCodeOK          = 0
	ExitCodeOperational = 1
	ExitCodeBadArgs     = 2
	ExitCodeLocked      = 3
	ExitCodeNotFound    = 4
)

var (
	version   = "unknown"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05"})
	cliapp := cli.NewApp()
	cliapp.Name = "ch-backup"
	cliapp.Usage = "Tool for managing ClickHouse backups in S3-compatible object storage"
	cliapp.UsageText = "ch-backup <command> [arguments]"
	cliapp.Version = version

	cliapp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  config.DefaultConfigPath,
			Usage:  "Config `FILE` name.",
			EnvVar: "CH_BACKUP_CONFIG",
		},
	}
	cliapp.CommandNotFound = func(c *cli.Context, command string) {
		fmt.Printf("Error. Unknown command: '%s'\n\n", command)
		cli.ShowAppHelpAndExit(c, ExitCodeBadArgs)
	}
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Println("Version:\t", c.App.Version)
		fmt.Println("Git Commit:\t", gitCommit)
		fmt.Println("Build Date:\t", buildDate)
	}

	cliapp.Commands = []cli.Command{
		{
			Name:      "backup",
			Usage:     "Create new backup",
			UsageText: "ch-backup backup [--name N] [--databases db1,db2] [--tables db.t1] [--schema-only] [--access] [--udf] [--schema] [--data] [--force] [--label k=v]",
			Action: func(c *cli.Context) error {
				b, err := newBackuper(c)
				if err != nil {
					return err
				}
				labels, err := parseLabels(c.StringSlice("label"))
				if err != nil {
					return cli.NewExitError(err.Error(), ExitCodeBadArgs)
				}
				name, err := b.CreateBackup(commandContext(), backup.CreateOptions{
					Name:      c.String("name"),
					Databases: splitList(c.String("databases")),
					Tables:    splitList(c.String("tables")),
					Sources:   sourcesFromFlags(c),
					Force:     c.Bool("force"),
					Labels:    labels,
				})
				if errors.Is(err, backup.ErrNothingToBackup) {
					fmt.Println(name)
					return nil
				}
				if err != nil {
					return exitError(err)
				}
				fmt.Println(name)
				return nil
			},
			Flags: append(cliapp.Flags,
				cli.StringFlag{Name: "name", Usage: "backup name, {uuid} is expanded"},
				cli.StringFlag{Name: "databases", Usage: "comma-separated list of databases"},
				cli.StringFlag{Name: "tables", Usage: "comma-separated list of db.table"},
				cli.BoolFlag{Name: "schema-only, s", Usage: "backup schemas only"},
				cli.BoolFlag{Name: "access", Usage: "backup access control objects"},
				cli.BoolFlag{Name: "udf", Usage: "backup user defined functions"},
				cli.BoolFlag{Name: "schema", Usage: "backup schemas"},
				cli.BoolFlag{Name: "data", Usage: "backup data"},
				cli.BoolFlag{Name: "force", Usage: "ignore backup.min_interval"},
				cli.StringSliceFlag{Name: "label", Usage: "backup label k=v, repeatable"},
			),
		},
		{
			Name:      "restore",
			Usage:     "Restore backup",
			UsageText: "ch-backup restore <id|LAST> [--schema-only] [--override-replica-name X] [--force-non-replicated] [--clean-zookeeper-mode MODE] [--keep-going] [--cloud-storage-source-bucket B] [--cloud-storage-source-path P] [--cloud-storage-latest] [--use-inplace-cloud-restore] [--restore-tables-in-replicated-database=BOOL]",
			Action: func(c *cli.Context) error {
				if c.NArg() != 1 {
					return cli.NewExitError("backup id is required", ExitCodeBadArgs)
				}
				mode := c.String("clean-zookeeper-mode")
				if mode != "" && mode != backup.CleanZookeeperReplicaOnly && mode != backup.CleanZookeeperAllReplicas {
					return cli.NewExitError("clean-zookeeper-mode must be replica-only or all-replicas", ExitCodeBadArgs)
				}
				b, err := newBackuper(c)
				if err != nil {
					return err
				}
				err = b.RestoreBackup(commandContext(), c.Args().First(), backup.RestoreOptions{
					SchemaOnly:                        c.Bool("schema-only"),
					Databases:                         splitList(c.String("databases")),
					Tables:                            splitList(c.String("tables")),
					Sources:                           metadata.Everything(),
					OverrideReplicaName:               c.String("override-replica-name"),
					ForceNonReplicated:                c.Bool("force-non-replicated"),
					CleanZookeeperMode:                mode,
					KeepGoing:                         c.Bool("keep-going"),
					CloudStorageSourceBucket:          c.String("cloud-storage-source-bucket"),
					CloudStorageSourcePath:            c.String("cloud-storage-source-path"),
					CloudStorageLatest:                c.Bool("cloud-storage-latest"),
					UseInplaceCloudRestore:            c.Bool("use-inplace-cloud-restore"),
					RestoreTablesInReplicatedDatabase: c.BoolT("restore-tables-in-replicated-database"),
				})
				return exitError(err)
			},
			Flags: append(cliapp.Flags,
				cli.BoolFlag{Name: "schema-only, s", Usage: "restore DDL only"},
				cli.StringFlag{Name: "databases", Usage: "comma-separated list of databases"},
				cli.StringFlag{Name: "tables", Usage: "comma-separated list of db.table"},
				cli.StringFlag{Name: "override-replica-name", Usage: "rewrite replica identity of Replicated tables"},
				cli.BoolFlag{Name: "force-non-replicated", Usage: "rewrite Replicated engines to non-replicated equivalents"},
				cli.StringFlag{Name: "clean-zookeeper-mode", Usage: "replica-only or all-replicas"},
				cli.BoolFlag{Name: "keep-going", Usage: "skip parts that fail to attach"},
				cli.StringFlag{Name: "cloud-storage-source-bucket", Usage: "bucket holding object-storage disk data"},
				cli.StringFlag{Name: "cloud-storage-source-path", Usage: "path prefix inside the source bucket"},
				cli.BoolFlag{Name: "cloud-storage-latest", Usage: "restore the latest disk revision"},
				cli.BoolFlag{Name: "use-inplace-cloud-restore", Usage: "skip object copy when source and destination match"},
				cli.BoolTFlag{Name: "restore-tables-in-replicated-database", Usage: "recreate tables of Replicated databases instead of syncing"},
			),
		},
		{
			Name:      "list",
			Usage:     "Print list of backups",
			UsageText: "ch-backup list [--all]",
			Action: func(c *cli.Context) error {
				b, err := newBackuper(c)
				if err != nil {
					return err
				}
				return exitError(b.PrintBackups(commandContext(), os.Stdout, c.Bool("all")))
			},
			Flags: append(cliapp.Flags,
				cli.BoolFlag{Name: "all, a", Usage: "show backups in all states"},
			),
		},
		{
			Name:      "show",
			Usage:     "Print backup document",
			UsageText: "ch-backup show <id|LAST>",
			Action: func(c *cli.Context) error {
				if c.NArg() != 1 {
					return cli.NewExitError("backup id is required", ExitCodeBadArgs)
				}
				b, err := newBackuper(c)
				if err != nil {
					return err
				}
				return exitError(b.PrintBackup(commandContext(), os.Stdout, c.Args().First()))
			},
			Flags: cliapp.Flags,
		},
		{
			Name:      "delete",
			Usage:     "Delete backup",
			UsageText: "ch-backup delete <id>",
			Action: func(c *cli.Context) error {
				if c.NArg() != 1 {
					return cli.NewExitError("backup id is required", ExitCodeBadArgs)
				}
				b, err := newBackuper(c)
				if err != nil {
					return err
				}
				msg, err := b.DeleteBackup(commandContext(), c.Args().First())
				if err != nil {
					return exitError(err)
				}
				if msg != "" {
					fmt.Println(msg)
				}
				return nil
			},
			Flags: cliapp.Flags,
		},
		{
			Name:      "purge",
			Usage:     "Purge backups per retention policy",
			UsageText: "ch-backup purge",
			Action: func(c *cli.Context) error {
				b, err := newBackuper(c)
				if err != nil {
					return err
				}
				deleted, err := b.PurgeBackups(commandContext())
				if err != nil {
					return exitError(err)
				}
				for _, name := range deleted {
					fmt.Println(name)
				}
				return nil
			},
			Flags: cliapp.Flags,
		},
		{
			Name:      "restore-schema",
			Usage:     "Copy schemas from a source host",
			UsageText: "ch-backup restore-schema --source HOST",
			Action: func(c *cli.Context) error {
				sourceHost := c.String("source")
				if sourceHost == "" {
					return cli.NewExitError("--source is required", ExitCodeBadArgs)
				}
				cfg, err := loadConfig(c)
				if err != nil {
					return err
				}
				b, err := buildBackuper(cfg)
				if err != nil {
					return err
				}
				sourceConfig := cfg.ClickHouse
				sourceConfig.Host = sourceHost
				source := &clickhouse.ClickHouse{Config: &sourceConfig}
				return exitError(b.RestoreSchema(commandContext(), source, backup.RestoreOptions{
					Databases:           splitList(c.String("databases")),
					OverrideReplicaName: c.String("override-replica-name"),
					ForceNonReplicated:  c.Bool("force-non-replicated"),
					CleanZookeeperMode:  c.String("clean-zookeeper-mode"),
					KeepGoing:           c.Bool("keep-going"),
				}))
			},
			Flags: append(cliapp.Flags,
				cli.StringFlag{Name: "source", Usage: "host to copy schemas from"},
				cli.StringFlag{Name: "databases", Usage: "comma-separated list of databases"},
				cli.StringFlag{Name: "override-replica-name", Usage: "rewrite replica identity"},
				cli.BoolFlag{Name: "force-non-replicated", Usage: "downgrade Replicated engines"},
				cli.StringFlag{Name: "clean-zookeeper-mode", Usage: "replica-only or all-replicas"},
				cli.BoolFlag{Name: "keep-going", Usage: "skip tables that fail to restore"},
			),
		},
		{
			Name:      "get-cloud-storage-metadata",
			Usage:     "Download object-storage disk metadata of a backup",
			UsageText: "ch-backup get-cloud-storage-metadata --disk D <id|LAST> [--local-path P]",
			Action: func(c *cli.Context) error {
				if c.NArg() != 1 {
					return cli.NewExitError("backup id is required", ExitCodeBadArgs)
				}
				disk := c.String("disk")
				if disk == "" {
					return cli.NewExitError("--disk is required", ExitCodeBadArgs)
				}
				b, err := newBackuper(c)
				if err != nil {
					return err
				}
				localPath := c.String("local-path")
				if localPath == "" {
					localPath = "."
				}
				return exitError(b.GetCloudStorageMetadata(commandContext(), c.Args().First(), disk, localPath))
			},
			Flags: append(cliapp.Flags,
				cli.StringFlag{Name: "disk", Usage: "object-storage disk name"},
				cli.StringFlag{Name: "local-path", Usage: "directory receiving the files"},
			),
		},
		{
			Name:  "version",
			Usage: "Print version and exit",
			Action: func(c *cli.Context) error {
				cli.VersionPrinter(c)
				return nil
			},
		},
	}
	if err := cliapp.Run(os.Args); err != nil {
		log.Error().Err(err).Send()
		if exitErr, ok := err.(cli.ExitCoder); ok {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(ExitCodeOperational)
	}
}

func commandContext() context.Context {
	return context.Background()
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, cli.NewExitError(err.Error(), ExitCodeBadArgs)
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	return cfg, nil
}

func buildBackuper(cfg *config.Config) (*backup.Backuper, error) {
	dst, err := storage.NewBackupDestination(cfg)
	if err != nil {
		return nil, cli.NewExitError(err.Error(), ExitCodeBadArgs)
	}
	if err := dst.Connect(commandContext()); err != nil {
		return nil, cli.NewExitError(err.Error(), ExitCodeOperational)
	}
	ch := &clickhouse.ClickHouse{Config: &cfg.ClickHouse}
	return backup.NewBackuper(cfg, ch, dst, version), nil
}

func newBackuper(c *cli.Context) (*backup.Backuper, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return buildBackuper(cfg)
}

func sourcesFromFlags(c *cli.Context) metadata.Sources {
	if c.Bool("schema-only") {
		return metadata.SchemaOnly()
	}
	sources := metadata.Sources{
		Access:           c.Bool("access"),
		UDF:              c.Bool("udf"),
		Schema:           c.Bool("schema"),
		Data:             c.Bool("data"),
		NamedCollections: false,
	}
	if !sources.Access && !sources.UDF && !sources.Schema && !sources.Data {
		return metadata.Everything()
	}
	if sources.Data {
		sources.Schema = true
	}
	return sources
}

func parseLabels(raw []string) (map[string]string, error) {
	labels := map[string]string{}
	for _, label := range raw {
		eqIdx := strings.Index(label, "=")
		if eqIdx <= 0 {
			return nil, fmt.Errorf("invalid label %q, expected k=v", label)
		}
		labels[label[:eqIdx]] = label[eqIdx+1:]
	}
	return labels, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	items := strings.Split(raw, ",")
	result := items[:0]
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			result = append(result, item)
		}
	}
	return result
}

// exitError maps engine sentinel errors to command exit codes.
func exitError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, lock.ErrLocked):
		return cli.NewExitError(err.Error(), ExitCodeLocked)
	case errors.Is(err, backup.ErrBackupNotFound), errors.Is(err, storage.ErrNotFound):
		return cli.NewExitError(err.Error(), ExitCodeNotFound)
	default:
		return cli.NewExitError(err.Error(), ExitCodeOperational)
	}
}
