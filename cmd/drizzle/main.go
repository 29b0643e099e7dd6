package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/drizzle/internal/jsonutil"
	"github.com/cenkalti/drizzle/torrent"
	"github.com/cenkalti/log"
	"github.com/mitchellh/go-homedir"
	"github.com/urfave/cli"
	"gopkg.in/yaml.v2"
)

const defaultConfig = "~/.drizzle/config.yaml"

var (
	app = cli.NewApp()
	cfg torrent.Config
)

func main() {
	app.Name = "drizzle"
	app.Usage = "BitTorrent client"
	app.Version = torrent.Version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "read config from `FILE`",
			Value: defaultConfig,
		},
		cli.BoolFlag{
			Name:  "debug, d",
			Usage: "enable debug log",
		},
	}
	app.Before = handleBeforeCommand
	app.Commands = []cli.Command{
		{
			Name:      "download",
			Usage:     "download a torrent, Ctrl-C pauses, second Ctrl-C cancels",
			ArgsUsage: "<torrent file>",
			Flags: []cli.Flag{
				cli.DurationFlag{
					Name:  "stats-interval",
					Usage: "print stats on every `DURATION`",
					Value: 5 * time.Second,
				},
				cli.BoolFlag{
					Name:  "color",
					Usage: "colorize stats output",
				},
			},
			Action: handleDownload,
		},
		{
			Name:   "paused",
			Usage:  "list paused sessions",
			Action: handlePaused,
		},
		{
			Name:   "config",
			Usage:  "print effective config",
			Action: handleConfig,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func handleBeforeCommand(c *cli.Context) error {
	configPath, err := homedir.Expand(c.GlobalString("config"))
	if err != nil {
		return err
	}
	cfg, err = torrent.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if c.GlobalBool("debug") {
		cfg.Debug = true
	}
	return nil
}

func handleDownload(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.NewExitError("torrent file is required", 1)
	}
	e, err := torrent.New(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	d, err := e.Start(path)
	if err != nil {
		return err
	}

	sigC := make(chan os.Signal, 2)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigC)

	ticker := time.NewTicker(c.Duration("stats-interval"))
	defer ticker.Stop()
	var pausing bool
	for {
		select {
		case <-ticker.C:
			b, err := jsonutil.MarshalCompactPretty(d.Stats(), c.Bool("color"))
			if err != nil {
				return err
			}
			fmt.Println(string(b))
		case <-sigC:
			if pausing {
				log.Notice("canceling")
				_ = e.Cancel(d.Name())
				continue
			}
			pausing = true
			log.Notice("pausing, press Ctrl-C again to cancel")
			go func() {
				if err := e.Pause(d.Name()); err != nil {
					log.Error("cannot pause: ", err)
				}
			}()
		case <-d.Done():
			return d.Err()
		}
	}
}

func handlePaused(c *cli.Context) error {
	e, err := torrent.New(cfg)
	if err != nil {
		return err
	}
	defer e.Close()
	paused, err := e.Paused()
	if err != nil {
		return err
	}
	for _, p := range paused {
		fmt.Printf("%s\t%d%%\t%s\t%s\n", p.Name, p.Progress, p.PausedAt.Format(time.RFC3339), p.Dest)
	}
	return nil
}

func handleConfig(c *cli.Context) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(b)
	return err
}
