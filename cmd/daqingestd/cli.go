package main

import "flag"

var (
	flagInit, flagGops, flagVersion, flagLogDateTime bool
	flagConfigFile, flagLogLevel                     string
)

func cliInit() {
	flag.BoolVar(&flagInit, "init", false, "Write a default config.json and .env to the current directory and exit")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.BoolVar(&flagVersion, "version", false, "Show version information and exit")
	flag.BoolVar(&flagLogDateTime, "logdate", false, "Set this flag to add date and time to log messages")
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Specify alternative path to `config.json`")
	flag.StringVar(&flagLogLevel, "loglevel", "info", "Sets the logging level: `[debug, info, warn, err, crit]`")
	flag.Parse()
}
