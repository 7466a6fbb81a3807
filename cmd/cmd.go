package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"

	"github.com/jmorganca/disentangle/api"
	"github.com/jmorganca/disentangle/envconfig"
	"github.com/jmorganca/disentangle/format"
	"github.com/jmorganca/disentangle/logutil"
	"github.com/jmorganca/disentangle/model"
	"github.com/jmorganca/disentangle/server"
	"github.com/jmorganca/disentangle/version"
)

var errNoInputs = errors.New("no inputs, pass them as arguments or on stdin")

// readInputs returns args, or one input per non-empty stdin line when there
// are none.
func readInputs(cmd *cobra.Command, args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}

	var inputs []string
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			inputs = append(inputs, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, errNoInputs
	}
	return inputs, nil
}

func seedFlag(cmd *cobra.Command) *int64 {
	seed, _ := cmd.Flags().GetInt64("seed")
	if seed < 0 {
		return nil
	}
	return &seed
}

func loadService() (*server.Service, error) {
	ckpt, err := model.Load(envconfig.Checkpoint)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no checkpoint at %s, run 'disentangle init' first", envconfig.Checkpoint)
	} else if err != nil {
		return nil, err
	}

	m, err := model.New(ckpt)
	if err != nil {
		return nil, err
	}
	return server.NewService(m, envconfig.Seed), nil
}

func InitHandler(cmd *cobra.Command, args []string) error {
	vocabPath, _ := cmd.Flags().GetString("vocab")
	corpusPath, _ := cmd.Flags().GetString("corpus")
	force, _ := cmd.Flags().GetBool("force")

	if _, err := os.Stat(envconfig.Checkpoint); err == nil && !force {
		return fmt.Errorf("%s already exists, use --force to overwrite it", envconfig.Checkpoint)
	}

	var vocab *model.Vocabulary
	switch {
	case vocabPath != "" && corpusPath != "":
		return errors.New("--vocab and --corpus are mutually exclusive")
	case vocabPath != "":
		f, err := os.Open(vocabPath)
		if err != nil {
			return err
		}
		defer f.Close()

		if vocab, err = model.LoadVocabulary(f); err != nil {
			return err
		}
	case corpusPath != "":
		f, err := os.Open(corpusPath)
		if err != nil {
			return err
		}
		defer f.Close()

		if vocab, err = model.BuildVocabulary(f); err != nil {
			return err
		}
	default:
		return errors.New("one of --vocab or --corpus is required")
	}

	cfg := model.DefaultConfig()
	for flag, v := range map[string]*int{
		"embed":        &cfg.EmbedDim,
		"hidden":       &cfg.Hidden,
		"content":      &cfg.Content,
		"style":        &cfg.Style,
		"prior-hidden": &cfg.PriorHidden,
	} {
		if cmd.Flags().Changed(flag) {
			*v, _ = cmd.Flags().GetInt(flag)
		}
	}

	scale, _ := cmd.Flags().GetFloat64("scale")
	seed := envconfig.Seed
	if s := seedFlag(cmd); s != nil {
		seed = *s
	}
	if seed < 0 {
		seed = time.Now().UnixNano()
	}

	ckpt, err := model.NewRandom(rand.New(rand.NewSource(uint64(seed))), vocab, cfg, scale)
	if err != nil {
		return err
	}

	if half, _ := cmd.Flags().GetBool("f16"); half {
		ckpt = ckpt.Half()
	}

	if err := model.Save(envconfig.Checkpoint, ckpt); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s parameters, vocabulary %d, content %d, style %d)\n",
		envconfig.Checkpoint, format.HumanNumber(ckpt.Parameters()), vocab.Size(), cfg.Content, cfg.Style)
	return nil
}

func DecodeHandler(cmd *cobra.Command, args []string) error {
	inputs, err := readInputs(cmd, args)
	if err != nil {
		return err
	}

	req := api.DecodeRequest{Inputs: inputs, Seed: seedFlag(cmd)}
	req.Method, _ = cmd.Flags().GetString("method")
	req.Style, _ = cmd.Flags().GetStringArray("style")
	req.BeamWidth, _ = cmd.Flags().GetInt("beam-width")
	req.MaxSteps, _ = cmd.Flags().GetInt("max-steps")
	req.MaxLength, _ = cmd.Flags().GetInt("max-length")
	req.Temperature, _ = cmd.Flags().GetFloat64("temperature")
	req.TopK, _ = cmd.Flags().GetInt("top-k")
	req.KeepEOS, _ = cmd.Flags().GetBool("keep-eos")

	var resp *api.DecodeResponse
	if remote, _ := cmd.Flags().GetBool("remote"); remote {
		client, err := api.ClientFromEnvironment()
		if err != nil {
			return err
		}

		if resp, err = client.Decode(cmd.Context(), &req); err != nil {
			return err
		}
	} else {
		svc, err := loadService()
		if err != nil {
			return err
		}

		if resp, err = svc.Decode(cmd.Context(), req); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose && len(resp.Scores) > 0 {
		table := tablewriter.NewWriter(out)
		table.SetHeader([]string{"input", "output", "log prob", "complete"})
		table.SetAutoWrapText(false)
		table.SetBorder(false)
		for i, output := range resp.Outputs {
			table.Append([]string{
				inputs[i],
				output,
				format.Estimate(resp.Scores[i]),
				strconv.FormatBool(resp.Complete[i]),
			})
		}
		table.Render()
		return nil
	}

	for _, output := range resp.Outputs {
		fmt.Fprintln(out, output)
	}
	return nil
}

func EstimateHandler(cmd *cobra.Command, args []string) error {
	inputs, err := readInputs(cmd, args)
	if err != nil {
		return err
	}

	req := api.EstimateRequest{Inputs: inputs, Seed: seedFlag(cmd)}
	req.Samples, _ = cmd.Flags().GetInt("samples")

	var resp *api.EstimateResponse
	if remote, _ := cmd.Flags().GetBool("remote"); remote {
		client, err := api.ClientFromEnvironment()
		if err != nil {
			return err
		}

		if resp, err = client.Estimate(cmd.Context(), &req); err != nil {
			return err
		}
	} else {
		svc, err := loadService()
		if err != nil {
			return err
		}

		if resp, err = svc.Estimate(req); err != nil {
			return err
		}
	}

	prettyPrintEstimate(cmd.OutOrStdout(), inputs, resp)
	return nil
}

func prettyPrintEstimate(out io.Writer, inputs []string, resp *api.EstimateResponse) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"input", "kl", "reconstruction"})
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	for i, input := range inputs {
		table.Append([]string{input, format.Estimate(resp.KL[i]), format.Estimate(resp.Reconstruction[i])})
	}
	table.Render()
	fmt.Fprintln(out)

	summary := tablewriter.NewWriter(out)
	summary.SetAlignment(tablewriter.ALIGN_LEFT)
	summary.SetHeaderLine(false)
	summary.SetBorder(false)
	summary.SetNoWhiteSpace(true)
	summary.SetTablePadding(" ")
	summary.AppendBulk([][]string{
		{"Content MI:", format.Estimate(resp.ContentMI)},
		{"Style MI:", format.Estimate(resp.StyleMI)},
		{"Contrastive MI:", format.Estimate(resp.ContrastiveMI)},
		{"Expected log prob:", format.Estimate(resp.ExpectedLogProb)},
		{"Distribution match loss:", format.Estimate(resp.DistributionMatchLoss)},
	})
	summary.Render()
}

func RunServer(cmd *cobra.Command, _ []string) error {
	hostport, err := envconfig.HostPort()
	if err != nil {
		return err
	}

	ckpt, err := model.Load(envconfig.Checkpoint)
	if err != nil {
		return err
	}

	m, err := model.New(ckpt)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", hostport)
	if err != nil {
		return err
	}

	return server.Serve(cmd.Context(), ln, m)
}

func EnvHandler(cmd *cobra.Command, _ []string) error {
	vars := envconfig.AsMap()
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("  ")
	for _, k := range keys {
		table.Append([]string{k, fmt.Sprintf("%v", vars[k].Value), vars[k].Description})
	}
	table.Render()
	return nil
}

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "disentangle",
		Short:         "Content and style latent sequence model",
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Version: version.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Disable usage printing on errors
			cmd.SilenceUsage = true

			if err := LoadDotEnv(); err != nil {
				return err
			}
			envconfig.LoadConfig()

			verbose, _ := cmd.Flags().GetBool("verbose")
			slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), logutil.Level(envconfig.Debug, verbose)))
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Show scores and trace logging")
	rootCmd.SetVersionTemplate("disentangle version {{.Version}}\n")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a randomly initialised checkpoint",
		Args:  cobra.NoArgs,
		RunE:  InitHandler,
	}
	initCmd.Flags().String("vocab", "", "Vocabulary file, one token per line")
	initCmd.Flags().String("corpus", "", "Text file to build the vocabulary from")
	initCmd.Flags().Bool("force", false, "Overwrite an existing checkpoint")
	initCmd.Flags().Int("embed", 0, "Embedding width")
	initCmd.Flags().Int("hidden", 0, "Decoder hidden width")
	initCmd.Flags().Int("content", 0, "Content code width")
	initCmd.Flags().Int("style", 0, "Style code width")
	initCmd.Flags().Int("prior-hidden", 0, "Style prior hidden width")
	initCmd.Flags().Float64("scale", 0.1, "Initial weights are uniform in [-scale, scale]")
	initCmd.Flags().Int64("seed", -1, "Random seed")
	initCmd.Flags().Bool("f16", false, "Store weights in half precision")

	decodeCmd := &cobra.Command{
		Use:   "decode [INPUT...]",
		Short: "Reconstruct or restyle inputs",
		RunE:  DecodeHandler,
	}
	decodeCmd.Flags().String("method", model.MethodBeam, "Decoding method: beam, greedy or sample")
	decodeCmd.Flags().StringArray("style", nil, "Take the style code from this input instead")
	decodeCmd.Flags().Int("beam-width", 0, "Hypotheses kept per input (default DISENTANGLE_BEAM_WIDTH)")
	decodeCmd.Flags().Int("max-steps", 0, "Beam search step cap (default DISENTANGLE_MAX_STEPS)")
	decodeCmd.Flags().Int("max-length", 0, "Greedy and sampled length cap (default DISENTANGLE_MAX_LENGTH)")
	decodeCmd.Flags().Float64("temperature", 0, "Sampling temperature")
	decodeCmd.Flags().Int("top-k", 0, "Sample from the k most likely tokens")
	decodeCmd.Flags().Bool("keep-eos", false, "Keep the end of sequence token")
	decodeCmd.Flags().Int64("seed", -1, "Random seed")
	decodeCmd.Flags().Bool("remote", false, "Send the request to the server at DISENTANGLE_HOST")

	estimateCmd := &cobra.Command{
		Use:   "estimate [INPUT...]",
		Short: "Report KL, mutual information and prior estimates for inputs",
		RunE:  EstimateHandler,
	}
	estimateCmd.Flags().Int("samples", 1, "Codes drawn per input")
	estimateCmd.Flags().Int64("seed", -1, "Random seed")
	estimateCmd.Flags().Bool("remote", false, "Send the request to the server at DISENTANGLE_HOST")

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the HTTP server",
		Args:    cobra.NoArgs,
		RunE:    RunServer,
	}

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print an example configuration file",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprint(cmd.OutOrStdout(), envconfig.GenerateExampleConfig())
		},
	}

	envVars := envconfig.AsMap()
	envs := []envconfig.EnvVar{envVars["DISENTANGLE_DEBUG"], envVars["DISENTANGLE_CHECKPOINT"], envVars["DISENTANGLE_SEED"]}

	for _, cmd := range []*cobra.Command{initCmd, decodeCmd, estimateCmd, serveCmd} {
		switch cmd {
		case decodeCmd:
			appendEnvDocs(cmd, append(envs, envVars["DISENTANGLE_BEAM_WIDTH"], envVars["DISENTANGLE_MAX_STEPS"], envVars["DISENTANGLE_MAX_LENGTH"], envVars["DISENTANGLE_HOST"]))
		case serveCmd:
			appendEnvDocs(cmd, append(envs, envVars["DISENTANGLE_HOST"], envVars["DISENTANGLE_ORIGINS"]))
		default:
			appendEnvDocs(cmd, envs)
		}
	}

	rootCmd.AddCommand(
		initCmd,
		decodeCmd,
		estimateCmd,
		serveCmd,
		envCmd,
		configCmd,
	)

	return rootCmd
}
