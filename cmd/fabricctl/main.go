package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/reachstack/fabric/internal/client"
	"github.com/reachstack/fabric/internal/config"
	"github.com/reachstack/fabric/internal/logging"
	"github.com/reachstack/fabric/internal/protocol"
	"github.com/reachstack/fabric/internal/verify"
)

func main() {
	endpoint := flag.String("endpoint", "", "engine address, overrides config")
	configPath := flag.String("config", "", "client config TOML")
	workflowPath := flag.String("workflow", "", "workflow TOML to submit")
	replay := flag.Bool("replay", false, "submit twice and verify replay equivalence")
	flag.Parse()

	logging.InitApp("fabricctl")

	if err := run(*endpoint, *configPath, *workflowPath, *replay); err != nil {
		fmt.Fprintf(os.Stderr, "fabricctl: %v\n", err)
		os.Exit(1)
	}
}

func run(endpoint, configPath, workflowPath string, replay bool) error {
	if workflowPath == "" {
		return errors.New("missing -workflow")
	}

	clientCfg := client.DefaultConfig(endpoint)
	if configPath != "" {
		fileCfg, err := config.LoadClientConfig(configPath)
		if err != nil {
			return err
		}
		clientCfg = fileCfg.ClientOptions()
		if endpoint != "" {
			clientCfg.Endpoint = endpoint
		}
	}

	req, err := config.LoadWorkflow(workflowPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	conn, err := client.Connect(ctx, clientCfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	sess := conn.Session()
	fmt.Printf("session %s engine=%s hash=%s\n", sess.ID, sess.EngineVersion, sess.HashPrimitive)

	result, err := conn.Submit(ctx, req)
	if err != nil {
		return err
	}
	printResult(result)

	if !replay {
		return nil
	}

	second, err := conn.Submit(ctx, req)
	if err != nil {
		return err
	}
	if err := verify.VerifyReplay(result, second); err != nil {
		var mismatch *verify.MismatchError
		if errors.As(err, &mismatch) {
			fmt.Println("replay: DIVERGED")
			for _, d := range mismatch.Report.EventDiffs {
				fmt.Printf("  event[%d] %s baseline=%q replay=%q %s\n",
					d.Index, d.Kind, d.BaselineType, d.ReplayType, d.Detail)
			}
		}
		return err
	}
	fmt.Println("replay: equivalent")
	return nil
}

func printResult(res *protocol.ExecResult) {
	fmt.Printf("run %s status=%s\n", res.RunID, res.Status)
	fmt.Printf("digest %s\n", res.ResultDigest)
	fmt.Printf("steps=%d elapsed_us=%d budget_usd=%s p50_us=%d p95_us=%d p99_us=%d\n",
		res.Metrics.StepsExecuted, res.Metrics.ElapsedUs, res.Metrics.BudgetSpentUsd,
		res.Metrics.LatencyP50Us, res.Metrics.LatencyP95Us, res.Metrics.LatencyP99Us)
	for _, ev := range res.Events {
		fmt.Printf("  %s\n", ev.EventType)
	}
	if res.FinalAction != nil {
		fmt.Printf("final action %s step=%s tool=%s\n",
			res.FinalAction.Type, res.FinalAction.StepID, res.FinalAction.ToolName)
	}
}
