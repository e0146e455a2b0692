package main

import "github.com/urfave/cli/v2"

var FlagLogLevel = &cli.StringFlag{
	Name:     "log-level",
	EnvVars:  []string{"LOG_LEVEL"},
	Value:    "info",
	Required: false,
}

var FlagLogWriter = &cli.StringFlag{
	Name:     "log-writer",
	Usage:    "one of: [console, json]",
	EnvVars:  []string{"LOG_WRITER"},
	Value:    "console",
	Required: false,
}

var FlagSTFSession = &cli.StringFlag{
	Name:     "stf-session",
	Usage:    "SmartThings Find session id (JSESSIONID) from the login command",
	EnvVars:  []string{"STF_SESSION"},
	Required: true,
}

var FlagUpdateInterval = &cli.IntFlag{
	Name:     "update-interval",
	Usage:    "seconds between location sweeps (floor: 30)",
	EnvVars:  []string{"STF_UPDATE_INTERVAL"},
	Value:    120,
	Required: false,
}

var FlagActiveModeSmartTags = &cli.BoolFlag{
	Name:     "active-mode-smarttags",
	Usage:    "request a location refresh from SmartTags each sweep",
	EnvVars:  []string{"STF_ACTIVE_MODE_SMARTTAGS"},
	Value:    true,
	Required: false,
}

var FlagActiveModeOthers = &cli.BoolFlag{
	Name:     "active-mode-others",
	Usage:    "request a location refresh from phones/watches/buds each sweep (extra battery drain)",
	EnvVars:  []string{"STF_ACTIVE_MODE_OTHERS"},
	Value:    false,
	Required: false,
}

var FlagDisabledDevices = &cli.StringSliceFlag{
	Name:     "disabled-devices",
	Usage:    "device ids to skip entirely",
	EnvVars:  []string{"STF_DISABLED_DEVICES"},
	Required: false,
}

var FlagQRImageFile = &cli.StringFlag{
	Name:     "qr-image-file",
	Usage:    "also write the login QR code to this PNG file",
	EnvVars:  []string{"STF_QR_IMAGE_FILE"},
	Required: false,
}

var FlagMQTTUrl = &cli.StringFlag{
	Name:     "mqtt-url",
	Usage:    "tcp://broker:port",
	EnvVars:  []string{"MQTT_URL"},
	Required: true,
}

var FlagMQTTClientID = &cli.StringFlag{
	Name:     "mqtt-client-id",
	EnvVars:  []string{"MQTT_CLIENT_ID"},
	Value:    "stfind-to-mqtt",
	Required: false,
}

var FlagMQTTUsername = &cli.StringFlag{
	Name:     "mqtt-username",
	EnvVars:  []string{"MQTT_USERNAME"},
	Required: false,
}

var FlagMQTTPassword = &cli.StringFlag{
	Name:     "mqtt-password",
	EnvVars:  []string{"MQTT_PASSWORD"},
	Required: false,
}

var FlagMQTTTopic = &cli.StringFlag{
	Name:     "mqtt-topic",
	EnvVars:  []string{"MQTT_TOPIC"},
	Value:    "stfind",
	Required: false,
}
