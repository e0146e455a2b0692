package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
	"stfind-to-mqtt/adapters"
	"stfind-to-mqtt/application"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

func main() {
	var logger zerolog.Logger

	app := cli.App{
		Name:    "stfind-to-mqtt",
		Usage:   "bridge SmartThings Find device locations to MQTT",
		Version: "v0.1.0",
		Flags: []cli.Flag{
			FlagLogLevel,
			FlagLogWriter,
		},
		Before: func(ctx *cli.Context) error {
			var logWriter io.Writer
			if ctx.String(FlagLogWriter.Name) == "console" {
				logWriter = zerolog.ConsoleWriter{
					Out:        os.Stderr,
					TimeFormat: time.RFC3339Nano,
				}
			} else if ctx.String(FlagLogWriter.Name) == "json" {
				logWriter = os.Stderr
			}

			logger = zerolog.New(logWriter).With().Timestamp().
				Str("service", "stfind-to-mqtt").
				Str("module", "main").
				Logger()

			level, err := zerolog.ParseLevel(ctx.String(FlagLogLevel.Name))
			if err != nil {
				return err
			}

			zerolog.SetGlobalLevel(level)

			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "login",
				Usage: "run the QR login flow and print the session id",
				Flags: []cli.Flag{
					FlagQRImageFile,
				},
				Action: func(ctx *cli.Context) error {
					return runLogin(ctx, logger)
				},
			},
			{
				Name:  "run",
				Usage: "run the bridge",
				Flags: []cli.Flag{
					FlagSTFSession,
					FlagUpdateInterval,
					FlagActiveModeSmartTags,
					FlagActiveModeOthers,
					FlagDisabledDevices,
					FlagMQTTUrl,
					FlagMQTTClientID,
					FlagMQTTUsername,
					FlagMQTTPassword,
					FlagMQTTTopic,
				},
				Action: func(ctx *cli.Context) error {
					return runBridge(ctx, logger)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Err(err).Msg("service terminated")
		os.Exit(1)
	}
}

func signalContext(logger zerolog.Logger) (context.Context, context.CancelFunc) {
	appCtx, cancel := context.WithCancel(logger.WithContext(context.Background()))
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

		<-c

		logger.Warn().Msg("interrupt signal received")
		cancel()
	}()
	return appCtx, cancel
}

func runLogin(ctx *cli.Context, logger zerolog.Logger) error {
	appCtx, cancel := signalContext(logger)
	defer cancel()

	handshake, err := adapters.NewLoginHandshake(adapters.LoginHandshakeParams{
		Log: logger.With().Str("module", "login").Logger(),
	})
	if err != nil {
		return err
	}

	qrURL, err := handshake.StageOne(appCtx)
	if err != nil {
		return fmt.Errorf("login stage 1 failed: %w", err)
	}

	// QR rendering is best effort; the URL itself is always printed.
	if art, err := adapters.QRCodeTerminal(qrURL); err != nil {
		logger.Warn().Err(err).Msg("qr code rendering failed")
	} else {
		fmt.Fprintln(os.Stdout, art)
	}
	fmt.Fprintf(os.Stdout, "Scan the QR code with the Samsung account app, or open:\n  %s\n\n", qrURL)

	if file := ctx.String(FlagQRImageFile.Name); file != "" {
		if err := writeQRImage(qrURL, file); err != nil {
			logger.Warn().Err(err).Str("file", file).Msg("writing qr image failed")
		}
	}

	fmt.Fprintln(os.Stdout, "Waiting for the QR code to be scanned...")
	sessionID, err := handshake.StageTwo(appCtx)
	if err != nil {
		return fmt.Errorf("login stage 2 failed: %w", err)
	}

	fmt.Fprintf(os.Stdout, "\nLogin successful. Start the bridge with:\n  STF_SESSION=%s stfind-to-mqtt run ...\n", sessionID)
	return nil
}

func writeQRImage(qrURL, file string) error {
	b64, err := adapters.QRCodePNGBase64(qrURL)
	if err != nil {
		return err
	}
	png, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return err
	}
	return os.WriteFile(file, png, 0o600)
}

func runBridge(ctx *cli.Context, logger zerolog.Logger) error {
	logger.Info().Msg("service starting...")

	appCtx, cancel := signalContext(logger)
	defer cancel()

	mqttClient := adapters.NewMQTTClient(adapters.MQTTClientParams{
		ClientID: ctx.String(FlagMQTTClientID.Name),
		Username: ctx.String(FlagMQTTUsername.Name),
		Password: ctx.String(FlagMQTTPassword.Name),
		MQTTUrl:  ctx.String(FlagMQTTUrl.Name),
		Log:      logger.With().Str("module", "mqtt-client").Logger(),
	})
	if err := mqttClient.Connect(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	stfClient, err := adapters.NewSTFClient(adapters.STFClientParams{
		SessionID: ctx.String(FlagSTFSession.Name),
		Registry:  adapters.NewStaticDeviceRegistry(ctx.StringSlice(FlagDisabledDevices.Name)),
		Log:       logger.With().Str("module", "stf-client").Logger(),
	})
	if err != nil {
		return err
	}

	service, err := application.NewSTFToMQTTService(application.STFToMQTTServiceParams{
		STFClient:           stfClient,
		MQTTClient:          mqttClient,
		MQTTTopic:           ctx.String(FlagMQTTTopic.Name),
		UpdateInterval:      time.Duration(ctx.Int(FlagUpdateInterval.Name)) * time.Second,
		ActiveModeSmartTags: ctx.Bool(FlagActiveModeSmartTags.Name),
		ActiveModeOthers:    ctx.Bool(FlagActiveModeOthers.Name),
		Log:                 logger.With().Str("module", "service").Logger(),
	})
	if err != nil {
		return err
	}

	logger.Info().Msg("service started")
	if err := service.Run(appCtx); err != nil {
		if errors.Is(err, application.ErrAuthFailed) {
			logger.Error().Msg("session expired, run 'stfind-to-mqtt login' to re-authenticate")
		}
		return err
	}

	logger.Info().Msg("service terminating...")
	return nil
}
