package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/rtp"
	"github.com/urfave/cli/v2"

	"github.com/streamgrid/relay-server/pkg/config"
	"github.com/streamgrid/relay-server/pkg/logger"
	"github.com/streamgrid/relay-server/pkg/service"
)

func main() {
	app := &cli.App{
		Name:  "relay-server",
		Usage: "RTP/RTSP mountpoint relay",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the yaml config file",
				EnvVars: []string{"RELAY_CONFIG"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	var conf *config.Config
	var err error
	if path := c.String("config"); path != "" {
		conf, err = config.NewConfigFromFile(path)
	} else {
		conf, err = config.NewConfig("")
	}
	if err != nil {
		return err
	}
	logger.SetLevel(conf.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// running standalone there is no host gateway; events go to the log and
	// media is dropped at the edge
	server := service.NewServer(conf, &loggingGateway{}, nil)
	return server.Run(ctx)
}

// loggingGateway is the stand-in transport used when the relay runs without
// an embedding gateway: useful for soak testing ingestion and metrics.
type loggingGateway struct{}

func (g *loggingGateway) RelayRTP(viewerID string, pkt *rtp.Packet)  {}
func (g *loggingGateway) RelayRTCP(viewerID string, data []byte)     {}
func (g *loggingGateway) RelayData(viewerID string, data []byte)     {}
func (g *loggingGateway) CloseConnection(viewerID string)            {}
func (g *loggingGateway) PushEvent(viewerID string, event map[string]interface{}) {
	logger.GetLogger("gateway").Infow("viewer event", "viewer", viewerID, "event", event)
}
func (g *loggingGateway) NotifyEvent(event map[string]interface{}) {
	logger.GetLogger("gateway").Infow("event", "event", event)
}
