package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/dfarchon/darkforest-mud-sub002/common"
	"github.com/dfarchon/darkforest-mud-sub002/config"
	dbUtils "github.com/dfarchon/darkforest-mud-sub002/database"
	"github.com/dfarchon/darkforest-mud-sub002/log"
	"github.com/dfarchon/darkforest-mud-sub002/node"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/urfave/cli"
)

const (
	flagCfg     = "cfg"
	flagYes     = "yes"
	nMigrations = "nMigrations"
)

const nonceTimeout = 10 * time.Second

func loadConfig(c *cli.Context) (*config.Node, error) {
	cfg, err := config.LoadNode(c.String(flagCfg))
	if err != nil {
		if err := cli.ShowAppHelp(c); err != nil {
			panic(err)
		}
		return nil, common.Wrap(err)
	}
	log.Init(cfg.Log.Level, cfg.Log.Outputs)
	return cfg, nil
}

func waitSigInt() {
	stopCh := make(chan interface{})

	// catch ^C to send the stop signal
	ossig := make(chan os.Signal, 1)
	signal.Notify(ossig, os.Interrupt)
	const forceStopCount = 3
	go func() {
		n := 0
		for sig := range ossig {
			if sig == os.Interrupt {
				log.Info("Received Interrupt Signal")
				stopCh <- nil
				n++
				if n == forceStopCount {
					log.Fatalf("Received %v Interrupt Signals", forceStopCount)
				}
			}
		}
	}()
	<-stopCh
}

func cmdRun(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return common.Wrap(fmt.Errorf("error parsing flags and config: %w", err))
	}
	innerNode, err := node.NewNode(cfg, c.App.Version)
	if err != nil {
		return common.Wrap(fmt.Errorf("error starting node: %w", err))
	}
	innerNode.Start()
	waitSigInt()
	innerNode.Stop()
	return nil
}

func cmdWipeDB(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return common.Wrap(fmt.Errorf("error parsing flags and config: %w", err))
	}
	if !c.Bool(flagYes) {
		fmt.Print("*WARNING* Are you sure you want to delete the transaction history? [y/N]: ")
		var input string
		if _, err := fmt.Scanln(&input); err != nil || (input != "y" && input != "Y") {
			return common.Wrap(fmt.Errorf("wipedb aborted"))
		}
	}
	db, err := dbUtils.ConnectSQLDB(
		cfg.PostgreSQL.Port,
		cfg.PostgreSQL.Host,
		cfg.PostgreSQL.User,
		cfg.PostgreSQL.Password,
		cfg.PostgreSQL.Name,
	)
	if err != nil {
		return common.Wrap(err)
	}
	defer db.Close() //nolint:errcheck
	log.Info("Wiping SQL DB...")
	if err := dbUtils.MigrationsDown(db.DB, c.Uint(nMigrations)); err != nil {
		return common.Wrap(fmt.Errorf("dbUtils.MigrationsDown: %w", err))
	}
	return nil
}

func cmdNonce(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return common.Wrap(fmt.Errorf("error parsing flags and config: %w", err))
	}
	client, err := ethclient.Dial(cfg.Web3.URL)
	if err != nil {
		return common.Wrap(err)
	}
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), nonceTimeout)
	defer cancel()
	pending, err := client.PendingNonceAt(ctx, cfg.EthClient.Account)
	if err != nil {
		return common.Wrap(err)
	}
	mined, err := client.NonceAt(ctx, cfg.EthClient.Account, nil)
	if err != nil {
		return common.Wrap(err)
	}
	fmt.Printf("account: %v\npending nonce: %v\nmined nonce: %v\n",
		cfg.EthClient.Account.Hex(), pending, mined)
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "darkforest-node"
	app.Version = "v1"

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:     flagCfg,
			Usage:    "Node configuration `FILE`",
			Required: true,
		},
	}

	app.Commands = []cli.Command{
		{
			Name:    "run",
			Aliases: []string{},
			Usage:   "Run the request scheduler node",
			Action:  cmdRun,
			Flags:   flags,
		},
		{
			Name:    "wipedb",
			Aliases: []string{},
			Usage: "Wipe the transaction history SQL DB, leaving the DB in a clean state " +
				"(migrations can be applied again)",
			Action: cmdWipeDB,
			Flags: append(flags,
				&cli.UintFlag{
					Name:  nMigrations,
					Usage: "amount of migrations to be rolled back, 0 rolls back all of them",
				},
				&cli.BoolFlag{
					Name:  flagYes,
					Usage: "automatic yes to the prompt",
				},
			),
		},
		{
			Name:    "nonce",
			Aliases: []string{},
			Usage:   "Show the pending and mined nonces of the configured account",
			Action:  cmdNonce,
			Flags:   flags,
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Printf("\nError: %v\n", common.Wrap(err))
		os.Exit(1)
	}
}
