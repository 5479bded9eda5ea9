package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/whale-analyst/internal/job"
	"github.com/sells-group/whale-analyst/internal/model"
)

var (
	submitTxHash       string
	submitChain        string
	submitAsset        string
	submitAmount       float64
	submitAmountUSD    float64
	submitFrom         string
	submitTo           string
	submitKind         string
	submitSubjectKey   string
	submitProvider     string
	submitServer       string
	submitWait         bool
	submitTimeout      time.Duration
	submitPollInterval time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a transaction for analysis",
	Long: "Submits a whale transaction for analysis. Without --server the job runs in this process " +
		"and the command waits for the result. With --server the request is sent to a running API; " +
		"add --wait to poll until the job finishes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		input := model.TransactionInput{
			TxHash:            submitTxHash,
			Chain:             submitChain,
			Asset:             submitAsset,
			Amount:            submitAmount,
			AmountUSD:         submitAmountUSD,
			FromAddress:       submitFrom,
			ToAddress:         submitTo,
			PreferredProvider: submitProvider,
		}
		kind := model.AnalysisKind(submitKind)

		ctx, cancel := context.WithTimeout(cmd.Context(), submitTimeout)
		defer cancel()

		var st *job.Status
		var err error
		if submitServer != "" {
			st, err = submitRemote(ctx, newAPIClient(submitServer), kind, input)
		} else {
			st, err = submitLocal(ctx, kind, input)
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	},
}

// submitLocal runs the job in-process and waits for it to finish.
func submitLocal(ctx context.Context, kind model.AnalysisKind, input model.TransactionInput) (*job.Status, error) {
	if err := cfg.Validate("submit"); err != nil {
		return nil, err
	}
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer st.Close() //nolint:errcheck

	a, err := buildApp(ctx, cfg, st)
	if err != nil {
		return nil, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
	}()

	sub, err := a.orchestrator.Submit(ctx, submitSubjectKey, kind, input)
	if err != nil {
		return nil, err
	}
	zap.L().Info("job submitted",
		zap.String("job_id", sub.JobID),
		zap.String("status", string(sub.Status)),
		zap.Bool("reused", sub.Reused),
	)
	return waitForJob(ctx, submitPollInterval, func(ctx context.Context) (*job.Status, error) {
		return a.status.Get(ctx, sub.JobID)
	})
}

// submitRemote posts the job to a running API, optionally waiting.
func submitRemote(ctx context.Context, c *apiClient, kind model.AnalysisKind, input model.TransactionInput) (*job.Status, error) {
	sub, err := c.submit(ctx, submitRequest{SubjectKey: submitSubjectKey, Kind: kind, Input: input})
	if err != nil {
		return nil, err
	}
	if !submitWait {
		return &job.Status{ID: sub.JobID, Status: sub.Status}, nil
	}
	return waitForJob(ctx, submitPollInterval, func(ctx context.Context) (*job.Status, error) {
		return c.status(ctx, sub.JobID)
	})
}

// waitForJob polls fetch until the job reaches a terminal status or ctx ends.
func waitForJob(ctx context.Context, interval time.Duration, fetch func(context.Context) (*job.Status, error)) (*job.Status, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if st.Status.IsTerminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, eris.Wrapf(ctx.Err(), "job %s still %s", st.ID, st.Status)
		case <-ticker.C:
		}
	}
}

// apiClient talks to a running whale-analyst server.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) submit(ctx context.Context, req submitRequest) (*job.Submission, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "encode request")
	}
	var sub job.Submission
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", body, http.StatusAccepted, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *apiClient) status(ctx context.Context, id string) (*job.Status, error) {
	var st job.Status
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+id, nil, http.StatusOK, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body []byte, want int, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return eris.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != want {
		var eb errorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			return fmt.Errorf("%s %s: %d %s: %s", method, path, resp.StatusCode, eb.Error, eb.Message)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}

func init() {
	f := submitCmd.Flags()
	f.StringVar(&submitTxHash, "tx-hash", "", "transaction hash (required)")
	f.StringVar(&submitChain, "chain", "", "chain name (default ethereum)")
	f.StringVar(&submitAsset, "asset", "", "asset symbol, e.g. ETH (required)")
	f.Float64Var(&submitAmount, "amount", 0, "amount in asset units (required)")
	f.Float64Var(&submitAmountUSD, "amount-usd", 0, "USD value if known")
	f.StringVar(&submitFrom, "from", "", "sender address (required)")
	f.StringVar(&submitTo, "to", "", "recipient address (required)")
	f.StringVar(&submitKind, "kind", string(model.KindTransaction), "analysis kind")
	f.StringVar(&submitSubjectKey, "subject-key", "", "override the derived subject key")
	f.StringVar(&submitProvider, "provider", "", "preferred AI provider")
	f.StringVar(&submitServer, "server", "", "API base URL; submit remotely instead of in-process")
	f.BoolVar(&submitWait, "wait", false, "with --server, poll until the job finishes")
	f.DurationVar(&submitTimeout, "timeout", 10*time.Minute, "maximum time to wait")
	f.DurationVar(&submitPollInterval, "poll-interval", 2*time.Second, "status poll interval")
	rootCmd.AddCommand(submitCmd)
}
