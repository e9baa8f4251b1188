package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli/v2"

	"OpenMEE-Chain/internal/account"
	"OpenMEE-Chain/internal/config"
	xerrors "OpenMEE-Chain/internal/errors"
	"OpenMEE-Chain/internal/execution"
	"OpenMEE-Chain/internal/flows"
	"OpenMEE-Chain/internal/job"
	"OpenMEE-Chain/internal/mee"
	"OpenMEE-Chain/internal/report"
	"OpenMEE-Chain/internal/simulator"
	"OpenMEE-Chain/internal/supertx"
	"OpenMEE-Chain/internal/web3"
	"OpenMEE-Chain/internal/web3/provider"
	"OpenMEE-Chain/pkg/logger"
	"OpenMEE-Chain/sdk/go/openmee"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "YAML configuration file",
		EnvVars: []string{config.EnvConfigPath},
	}
	dryRunFlag = &cli.BoolFlag{
		Name:  "dry-run",
		Usage: "run against the in-memory relay instead of the MEE node",
	}
	amountFlag = &cli.StringFlag{
		Name:  "amount",
		Usage: "USDC amount in base units (overrides flow.amount)",
	}
	submitFlag = &cli.StringFlag{
		Name:  "submit",
		Usage: "openmeed base URL; enqueue the plan as a job instead of executing it here",
	}
	apiKeyFlag = &cli.StringFlag{
		Name:    "api-key",
		Usage:   "openmeed API key used with --submit",
		EnvVars: []string{"OPENMEE_API_KEY"},
	}
	waitFlag = &cli.BoolFlag{
		Name:  "wait",
		Usage: "with --submit, wait until the job finishes",
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:   "aave-supply",
		Usage:  "move USDC into the smart account, supply it to Aave and send the aUSDC back in one supertransaction",
		Flags:  []cli.Flag{configFlag, dryRunFlag, amountFlag, submitFlag, apiKeyFlag, waitFlag},
		Action: run,
	}
	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.L().Error("aave-supply 运行失败", slog.Any("error", err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	dryRun := cfg.Flow.DryRun || c.Bool(dryRunFlag.Name)

	flow, err := flowFromConfig(cfg)
	if err != nil {
		return err
	}
	if url := c.String(submitFlag.Name); url != "" {
		return submit(c.Context, url, c.String(apiKeyFlag.Name), flow, c.Bool(waitFlag.Name))
	}

	owner, err := buildAccount(cfg, dryRun)
	if err != nil {
		return err
	}
	env, err := buildEnvironment(c.Context, cfg, owner, flow, dryRun)
	if err != nil {
		return err
	}
	defer env.close()
	return execute(c.Context, cfg, owner, flow, env)
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := func() (*config.Config, error) {
		if path := c.String(configFlag.Name); path != "" {
			return config.LoadFile(path)
		}
		return config.Load()
	}()
	if err != nil {
		return nil, err
	}
	if amount := c.String(amountFlag.Name); amount != "" {
		cfg.Flow.Amount = amount
	}
	return cfg, nil
}

func flowFromConfig(cfg *config.Config) (flows.AaveSupply, error) {
	addr := func(name, raw string) (common.Address, error) {
		if !common.IsHexAddress(raw) {
			return common.Address{}, xerrors.Newf(xerrors.CodeConfiguration, "flow.%s 不是有效地址: %q", name, raw)
		}
		return common.HexToAddress(raw), nil
	}
	usdc, err := addr("usdc", cfg.Flow.USDC)
	if err != nil {
		return flows.AaveSupply{}, err
	}
	ausdc, err := addr("ausdc", cfg.Flow.AUSDC)
	if err != nil {
		return flows.AaveSupply{}, err
	}
	pool, err := addr("aave_pool", cfg.Flow.AavePool)
	if err != nil {
		return flows.AaveSupply{}, err
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(cfg.Flow.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		return flows.AaveSupply{}, xerrors.Newf(xerrors.CodeConfiguration, "flow.amount 必须为正整数: %q", cfg.Flow.Amount)
	}
	return flows.AaveSupply{ChainID: cfg.Web3.ChainID, Asset: usdc, AToken: ausdc, Pool: pool, Amount: amount}, nil
}

// buildAccount loads KEY. A dry run without a key signs with a throwaway one.
func buildAccount(cfg *config.Config, dryRun bool) (*account.Multichain, error) {
	var signer account.Signer
	if strings.TrimSpace(cfg.Account.PrivateKey) == "" && dryRun {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		signer = account.NewKeySignerFromECDSA(key)
	} else {
		s, err := account.NewKeySigner(cfg.Account.PrivateKey)
		if err != nil {
			return nil, err
		}
		signer = s
	}
	defs, err := cfg.ChainDefinitions()
	if err != nil {
		return nil, err
	}
	version, err := account.ResolveVersion(cfg.Account.Version, cfg.Account.Factory, cfg.Account.InitCodeHash)
	if err != nil {
		return nil, err
	}
	chains, err := account.ChainsFromDefinitions(defs, version)
	if err != nil {
		return nil, err
	}
	return account.NewMultichain(signer, chains...)
}

type environment struct {
	ledger web3.Ledger
	quoter supertx.Quoter
	relay  execution.Relay
	close  func()
}

func buildEnvironment(ctx context.Context, cfg *config.Config, owner *account.Multichain, flow flows.AaveSupply, dryRun bool) (environment, error) {
	log := logger.Named("aave-supply")
	if dryRun {
		seed, ok := new(big.Int).SetString(strings.TrimSpace(cfg.Flow.SeedUSDC), 10)
		if !ok {
			return environment{}, xerrors.Newf(xerrors.CodeConfiguration, "flow.seed_usdc 必须为整数: %q", cfg.Flow.SeedUSDC)
		}
		ledger := simulator.NewLedger()
		ledger.SetBalance(flow.ChainID, flow.Asset, owner.EOA(), seed)
		ledger.SetNative(flow.ChainID, owner.EOA(), big.NewInt(1e18))
		relay := simulator.New(ledger)
		relay.AddPool(flow.ChainID, flow.Pool, map[common.Address]common.Address{flow.Asset: flow.AToken})
		log.Info("使用内存中继", slog.Uint64("chain_id", flow.ChainID))
		return environment{ledger: ledger, quoter: relay, relay: relay, close: func() {}}, nil
	}

	defs, err := cfg.ChainDefinitions()
	if err != nil {
		return environment{}, err
	}
	registry, err := provider.NewRegistry(ctx, defs)
	if err != nil {
		return environment{}, err
	}
	node, err := mee.NewClient(cfg.MEE.URL, mee.WithAPIKey(cfg.MEE.APIKey))
	if err != nil {
		registry.Close()
		return environment{}, err
	}
	log.Info("使用 MEE 节点", slog.String("url", cfg.MEE.URL), slog.Any("chains", registry.ChainIDs()))
	return environment{ledger: registry, quoter: node, relay: node, close: registry.Close}, nil
}

func execute(ctx context.Context, cfg *config.Config, owner *account.Multichain, flow flows.AaveSupply, env environment) error {
	out := os.Stdout
	smart, err := owner.AddressOn(flow.ChainID)
	if err != nil {
		return err
	}
	holders := []report.Holder{
		{Label: "EOA", Address: owner.EOA()},
		{Label: "Smart Account", Address: smart},
	}
	assets := []report.Asset{
		{Symbol: "USDC", Token: flow.Asset},
		{Symbol: "aUSDC", Token: flow.AToken},
		{Symbol: "ETH"},
	}

	before, err := report.Take(ctx, env.ledger, flow.ChainID, holders, assets)
	if err != nil {
		return err
	}
	report.Render(out, "Before Transaction", before)

	instructions, err := flow.Instructions(owner)
	if err != nil {
		return err
	}
	quote, err := supertx.NewPlanner(env.quoter).Plan(ctx, owner, instructions, flow.Trigger(), flow.Fee())
	if err != nil {
		return err
	}
	info, _ := json.MarshalIndent(quote.PaymentInfo, "", "  ")
	fmt.Fprintf(out, "quote %s payment info:\n%s\n", quote.Hash.Hex(), info)

	opts := cfg.Execution
	if _, ok := env.relay.(*simulator.Relay); ok {
		opts.PollInterval = 50 * time.Millisecond
	}
	controller, err := execution.NewController(owner.Signer(), env.relay, execution.WithDefaults(cfg.Execution))
	if err != nil {
		return err
	}
	handle, receipt, err := controller.Run(ctx, quote, opts)
	if !handle.IsZero() {
		fmt.Fprintf(out, "supertransaction handle: %s\n", handle)
	}
	if err != nil {
		return err
	}
	if !receipt.Succeeded() {
		fmt.Fprintf(out, "Failed: %s %s\n", receipt.Status, receipt.Reason)
		return xerrors.New(job.CodeSupertxFailed, "",
			xerrors.WithMetadata("handle", handle.String()),
			xerrors.WithMetadata("last_status", string(receipt.Status)))
	}
	fmt.Fprintf(out, "Transaction succeeded after %d confirmations\n", receipt.Confirmations)

	after, err := report.Take(ctx, env.ledger, flow.ChainID, holders, assets)
	if err != nil {
		return err
	}
	report.Render(out, "After Transaction", after)
	report.RenderDiff(out, report.Diff(before, after))
	return nil
}

func submit(ctx context.Context, baseURL, apiKey string, flow flows.AaveSupply, wait bool) error {
	plan, err := flow.JobPlan()
	if err != nil {
		return err
	}
	client, err := openmee.NewClient(baseURL, nil)
	if err != nil {
		return err
	}
	client.SetAPIKey(apiKey)
	created, err := client.SubmitPlan(ctx, "", plan)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "job %s %s\n", created.ID, created.Status)
	if !wait {
		return nil
	}
	done, err := client.WaitForJob(ctx, created.ID, 2*time.Second)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "job %s %s handle=%s\n", done.ID, done.Status, done.Handle)
	if done.Status != job.StatusSucceeded {
		return xerrors.New(job.CodeJobProcessing, done.LastError,
			xerrors.WithMetadata("id", done.ID),
			xerrors.WithMetadata("error_code", done.ErrorCode))
	}
	return nil
}
