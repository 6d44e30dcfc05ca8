package engine

import (
	"context"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/pkg/errors"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/model"
	"github.com/metyatech/agent-runner/internal/usagegate"
)

// DailyCounter persists the Amazon Q daily run count, since the Amazon Q
// CLI's backend does not expose an explicit remaining-quota figure the way
// Codex/Claude/Gemini do. This usage check only reads the count; neither it
// nor the dispatch path increments it.
type DailyCounter interface {
	GetAmazonQUsage(ctx context.Context, day string) (int, error)
}

// AmazonQ is the §4.3 adapter for the Amazon Q Developer CLI. Amazon Q's
// own usage API is account-plan-gated, so the quota signal is a locally
// tracked daily run count; the AWS SDK v2 credential chain (profile, env
// vars, SSO, IMDS) is still resolved on every read so a broken credential
// setup denies the engine before the `q` CLI is ever spawned against it.
type AmazonQ struct {
	Region      string
	DailyBudget int
	Counter     DailyCounter
}

func (a *AmazonQ) Kind() config.EngineKind { return config.EngineAmazonQ }

func (a *AmazonQ) Usage(ctx context.Context) (usagegate.Windows, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.Region))
	if err != nil {
		return usagegate.Windows{}, errors.Wrap(err, "failed to load AWS credential chain")
	}
	if _, err := cfg.Credentials.Retrieve(ctx); err != nil {
		return usagegate.Windows{}, errors.Wrap(err, "AWS credentials are not resolvable")
	}

	day := time.Now().UTC().Format("2006-01-02")
	used := 0
	if a.Counter != nil {
		used, err = a.Counter.GetAmazonQUsage(ctx, day)
		if err != nil {
			return usagegate.Windows{}, errors.Wrap(err, "failed to read amazon q daily usage")
		}
	}

	budget := a.DailyBudget
	if budget <= 0 {
		budget = 50
	}
	usedPercent := usagegate.ClampPercent(float64(used) / float64(budget) * 100)

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	long := model.UsageWindow{
		Kind:        model.UsageWindowLong,
		PercentLeft: usagegate.ClampPercent(100 - usedPercent),
		ResetAt:     midnight,
	}
	return usagegate.Windows{Long: &long}, nil
}

func (a *AmazonQ) BuildInvocation(task string, resumeSessionID string) Invocation {
	args := []string{"chat", "--non-interactive"}
	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	}
	return Invocation{Command: "q", Args: args, Stdin: task}
}
