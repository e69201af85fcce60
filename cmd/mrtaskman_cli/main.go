// Command mrtaskman_cli is MrTaskman's command-line client, grounded on
// _examples/original_source/client/mrt.py: task/deletetask/schedule,
// createpackage/deletepackage/package commands against the scheduler and
// registry HTTP APIs, with the same exit-code contract (spec §6: 0 success,
// 2 unknown command, 3 missing/invalid argument, 4 file open error, 5 JSON
// parse error, else the upstream HTTP status).
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"
)

const (
	exitUnknownCommand = 2
	exitBadArgument    = 3
	exitFileOpenError  = 4
	exitJSONParseError = 5
)

func main() {
	app := &cli.App{
		Name:                 "mrtaskman_cli",
		Usage:                "MrTaskman client command-line utility",
		CommandNotFound:      commandNotFound,
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "scheduler", Value: "http://localhost:8001", Usage: "Base URL of the scheduler server."},
			&cli.StringFlag{Name: "registry", Value: "http://localhost:8002", Usage: "Base URL of the package registry server."},
		},
		Commands: []*cli.Command{
			taskCommand,
			scheduleCommand,
			deleteTaskCommand,
			createPackageCommand,
			packageCommand,
			deletePackageCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		if exitErr, ok := err.(cli.ExitCoder); ok {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func commandNotFound(c *cli.Context, command string) {
	fmt.Fprintf(os.Stderr, "Command %s not found.\nSee mrtaskman_cli help.\n", command)
	os.Exit(exitUnknownCommand)
}

func clientFromContext(c *cli.Context) *apiClient {
	return newAPIClient(c.String("scheduler"), c.String("registry"))
}

func printJSON(raw []byte) error {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

var taskCommand = &cli.Command{
	Name:      "task",
	Usage:     "Retrieve information on given task id.",
	ArgsUsage: "{id}",
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 {
			return cli.Exit("task command requires an integer task_id argument.", exitBadArgument)
		}
		taskID, err := strconv.ParseInt(c.Args().Get(0), 10, 64)
		if err != nil {
			return cli.Exit("task command requires an integer task_id argument.", exitBadArgument)
		}
		raw, err := clientFromContext(c).GetTask(c.Context, taskID)
		if err != nil {
			return asExitErr(err)
		}
		return printJSON(raw)
	},
}

var scheduleCommand = &cli.Command{
	Name:      "schedule",
	Usage:     "Schedules a new task from given task config file.",
	ArgsUsage: "{config_file}",
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 {
			return cli.Exit("schedule command requires a config filepath argument.", exitBadArgument)
		}
		configBytes, err := os.ReadFile(c.Args().Get(0))
		if err != nil {
			return cli.Exit(fmt.Sprintf("Error opening %s:\n%s", c.Args().Get(0), err), exitFileOpenError)
		}
		var probe interface{}
		if err := json.Unmarshal(configBytes, &probe); err != nil {
			return cli.Exit(fmt.Sprintf("Error reading or parsing config file:\n%s", err), exitJSONParseError)
		}
		raw, err := clientFromContext(c).ScheduleTask(c.Context, configBytes)
		if err != nil {
			return asExitErr(err)
		}
		return printJSON(raw)
	},
}

var deleteTaskCommand = &cli.Command{
	Name:      "deletetask",
	Usage:     "Delete task with given id.",
	ArgsUsage: "{id}",
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 {
			return cli.Exit("deletetask command requires an integer task_id argument.", exitBadArgument)
		}
		taskID, err := strconv.ParseInt(c.Args().Get(0), 10, 64)
		if err != nil {
			return cli.Exit("deletetask command requires an integer task_id argument.", exitBadArgument)
		}
		if err := clientFromContext(c).DeleteTask(c.Context, taskID); err != nil {
			return asExitErr(err)
		}
		fmt.Printf("Successfully deleted task %d\n", taskID)
		return nil
	},
}

var createPackageCommand = &cli.Command{
	Name:      "createpackage",
	Usage:     "Create a new package with given manifest.",
	ArgsUsage: "{manifest_file}",
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 {
			return cli.Exit("createpackage command requires a package manifest filepath argument.", exitBadArgument)
		}
		manifestBytes, err := os.ReadFile(c.Args().Get(0))
		if err != nil {
			return cli.Exit(fmt.Sprintf("Error opening %s:\n%s", c.Args().Get(0), err), exitFileOpenError)
		}
		var manifest map[string]interface{}
		if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
			return cli.Exit(fmt.Sprintf("Error reading or parsing package file:\n%s", err), exitJSONParseError)
		}
		raw, err := clientFromContext(c).CreatePackage(c.Context, manifest)
		if err != nil {
			return asExitErr(err)
		}
		return printJSON(raw)
	},
}

var packageCommand = &cli.Command{
	Name:      "package",
	Usage:     "Retrieve information on given package.",
	ArgsUsage: "{name} {version}",
	Action: func(c *cli.Context) error {
		name, version, err := packageArgs(c)
		if err != nil {
			return err
		}
		raw, getErr := clientFromContext(c).GetPackage(c.Context, name, version)
		if getErr != nil {
			return asExitErr(getErr)
		}
		return printJSON(raw)
	},
}

var deletePackageCommand = &cli.Command{
	Name:      "deletepackage",
	Usage:     "Delete package with given name and version.",
	ArgsUsage: "{name} {version}",
	Action: func(c *cli.Context) error {
		name, version, err := packageArgs(c)
		if err != nil {
			return err
		}
		if delErr := clientFromContext(c).DeletePackage(c.Context, name, version); delErr != nil {
			return asExitErr(delErr)
		}
		fmt.Printf("Successfully deleted package %s.%d\n", name, version)
		return nil
	},
}

func packageArgs(c *cli.Context) (string, int, error) {
	if c.NArg() < 1 {
		return "", 0, cli.Exit("command requires a string package name argument.", exitBadArgument)
	}
	name := c.Args().Get(0)
	if c.NArg() < 2 {
		return "", 0, cli.Exit("command requires an int package version argument.", exitBadArgument)
	}
	version, err := strconv.Atoi(c.Args().Get(1))
	if err != nil {
		return "", 0, cli.Exit("command requires an int package version argument.", exitBadArgument)
	}
	return name, version, nil
}

// asExitErr turns an *httpError into a cli.ExitCoder carrying the upstream
// HTTP status as this process's exit code (spec §6), or wraps any other
// error at exit code 1.
func asExitErr(err error) error {
	if httpErr, ok := err.(*httpError); ok {
		return cli.Exit(httpErr.Error(), httpErr.status)
	}
	return cli.Exit(err.Error(), 1)
}
