package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/accelbench/kvbench/cmd/cli/format"
	"github.com/accelbench/kvbench/internal/analysis"
	"github.com/accelbench/kvbench/internal/modelinfo"
	"github.com/accelbench/kvbench/internal/report"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Estimate offloading speedup and decode slowdown from tier constants",
	Long: `Evaluate the analytical bottleneck model of KV-cache offloading.

Prefill: a fraction alpha of the prompt's KV cache is read from the tier
(R us/token) while the rest is recomputed (T us/token) and written back
(W us/token). Offloading pays off up to alpha* = E/(1+E) with E = T/R.

Decode: every generated token reads alpha*L cached tokens from the tier
while the GPU computes for T us. Decode stays compute-bound while
alpha <= T/(L*R).

Without --mode or --baseline-label the reference scenarios are printed.

Examples:
  kvbench analyze
  kvbench analyze --mode prefill --n 4000 --r 41 --t 110 --alpha 0.6
  kvbench analyze --mode decode --n 8000 --r 0.1 --t 200 --alpha 0.8
  kvbench analyze --baseline-label gpu-only --r 35 --alpha 0.9
  kvbench analyze --mode prefill --hf-model meta-llama/Llama-3.1-8B --tier-bandwidth-gbps 25`,
	Args: cobra.NoArgs,
	RunE: runAnalyze,
}

var (
	analyzeMode     string
	analyzeN        int
	analyzeR        float64
	analyzeT        float64
	analyzeW        float64
	analyzeAlpha    float64
	analyzeDir      string
	analyzeBaseline string

	analyzeHFModel   string
	analyzeHFURL     string
	analyzeKVDtype   string
	analyzeBandwidth float64
)

func init() {
	f := analyzeCmd.Flags()
	f.StringVar(&analyzeMode, "mode", "", "Phase to model: prefill or decode")
	f.IntVar(&analyzeN, "n", 2000, "Prompt length (prefill) or context length L (decode) in tokens")
	f.Float64Var(&analyzeR, "r", analysis.DefaultRetrievalUs, "Tier retrieval time per token in microseconds")
	f.Float64Var(&analyzeT, "t", 100, "Compute time in microseconds: per prompt token (prefill) or per step (decode)")
	f.Float64Var(&analyzeW, "w", 0, "Write-back time per token in microseconds (prefill)")
	f.Float64Var(&analyzeAlpha, "alpha", 0.5, "Fraction of the KV cache served from the tier")
	f.StringVar(&analyzeDir, "dir", "", "Results directory for --baseline-label (default: run.output_dir)")
	f.StringVar(&analyzeBaseline, "baseline-label", "", "Derive N and T from the latest run with this tier label")
	f.StringVar(&analyzeHFModel, "hf-model", "", "HuggingFace model id used to size the KV cache (default: the baseline's model)")
	f.StringVar(&analyzeHFURL, "hf-endpoint", envOrDefault("HF_ENDPOINT", modelinfo.DefaultBaseURL), "HuggingFace hub URL")
	f.StringVar(&analyzeKVDtype, "kv-dtype", "auto", "KV-cache dtype: auto, fp16, bf16, fp8, fp32")
	f.Float64Var(&analyzeBandwidth, "tier-bandwidth-gbps", 0, "Derive R from the tier's read bandwidth in GB/s and the model's KV size")
	RootCmd.AddCommand(analyzeCmd)
}

type analysisRow struct {
	Name    string                  `json:"name"`
	Prefill *analysis.PrefillResult `json:"prefill,omitempty"`
	Decode  *analysis.DecodeResult  `json:"decode,omitempty"`
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	scenarios, err := analyzeScenarios(cmd)
	if err != nil {
		return err
	}
	results := make([]analysisRow, 0, len(scenarios))
	for _, s := range scenarios {
		r := analysisRow{Name: s.Name}
		if s.Prefill != nil {
			res := s.Prefill.Analyze()
			r.Prefill = &res
		}
		if s.Decode != nil {
			res := s.Decode.Analyze()
			r.Decode = &res
		}
		results = append(results, r)
	}
	return format.Render(cmd.OutOrStdout(), getFormat(), analysisHeaders, analysisRows(results), results)
}

// analyzeScenarios builds the inputs from the flags, a baseline run, or the
// reference set.
func analyzeScenarios(cmd *cobra.Command) ([]analysis.Scenario, error) {
	mode := analyzeMode
	if mode == "" && analyzeBaseline == "" {
		return analysis.DefaultScenarios(), nil
	}
	if mode == "" {
		mode = "prefill"
	}

	n, t, r, name := analyzeN, analyzeT, analyzeR, "custom"
	model := analyzeHFModel
	if analyzeBaseline != "" {
		dir := analyzeDir
		if dir == "" {
			dir = cfg.Run.OutputDir
		}
		run, err := report.Latest(dir, analyzeBaseline)
		if err != nil {
			return nil, err
		}
		c, err := analysis.Derive(run.Summary)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", run.Dir, err)
		}
		name = "baseline " + run.Summary.RunID
		if model == "" {
			model = run.Summary.Model
		}
		if !cmd.Flags().Changed("n") {
			n = c.N
		}
		if !cmd.Flags().Changed("t") {
			t = c.TPrefill
			if mode == "decode" {
				t = c.TDecode
			}
		}
		logger.DebugContext(cmd.Context(), "derived constants",
			"dir", run.Dir, "n", c.N, "t_prefill_us", c.TPrefill, "t_decode_us", c.TDecode)
	}

	if analyzeBandwidth > 0 && !cmd.Flags().Changed("r") {
		var err error
		if r, err = retrievalFromBandwidth(cmd, model); err != nil {
			return nil, err
		}
	}

	switch mode {
	case "prefill":
		return []analysis.Scenario{{Name: name, Prefill: &analysis.Prefill{
			N: n, R: r, T: t, W: analyzeW, Alpha: analyzeAlpha,
		}}}, nil
	case "decode":
		return []analysis.Scenario{{Name: name, Decode: &analysis.Decode{
			L: n, R: r, T: t, Alpha: analyzeAlpha,
		}}}, nil
	}
	return nil, fmt.Errorf("unknown mode %q (want prefill or decode)", mode)
}

// retrievalFromBandwidth sizes one token's KV cache from the model's
// HuggingFace config and converts the tier bandwidth into R.
func retrievalFromBandwidth(cmd *cobra.Command, model string) (float64, error) {
	if model == "" {
		return 0, fmt.Errorf("--tier-bandwidth-gbps needs --hf-model or --baseline-label")
	}
	mc, err := modelinfo.NewHFClient(analyzeHFURL, os.Getenv("HF_TOKEN")).FetchConfig(cmd.Context(), model)
	if err != nil {
		return 0, err
	}
	bytes, err := mc.KVBytesPerToken(analyzeKVDtype)
	if err != nil {
		return 0, err
	}
	r, err := modelinfo.RetrievalUs(bytes, analyzeBandwidth)
	if err != nil {
		return 0, err
	}
	logger.InfoContext(cmd.Context(), "derived retrieval time",
		"model", model, "kv_bytes_per_token", bytes, "bandwidth_gbps", analyzeBandwidth, "r_us", r)
	return r, nil
}

var analysisHeaders = []string{
	"Scenario", "Phase", "Alpha", "Alpha*", "Vanilla (us)", "Offloaded (us)", "Ratio", "Regime",
}

func analysisRows(results []analysisRow) [][]string {
	var rows [][]string
	for _, r := range results {
		if p := r.Prefill; p != nil {
			rows = append(rows, []string{
				r.Name, "prefill",
				format.F64(p.Alpha, 2),
				format.F64(p.AlphaStar, 3),
				format.F64(p.TTFTVanillaUs, 0),
				format.F64(p.TTFTOffloadedUs, 0),
				format.F64(p.Speedup, 2) + "x speedup",
				string(p.Regime),
			})
		}
		if d := r.Decode; d != nil {
			rows = append(rows, []string{
				r.Name, "decode",
				format.F64(d.Alpha, 2),
				format.F64(d.AlphaStar, 3),
				format.F64(d.TPOTVanillaUs, 0),
				format.F64(d.TPOTOffloadedUs, 0),
				format.F64(d.Slowdown, 2) + "x slowdown",
				string(d.Regime),
			})
		}
	}
	return rows
}
