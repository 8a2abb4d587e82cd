// Package notify holds the completion hooks that deliver or archive a
// report once it is ready.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// Link is the retrieval URL for an access token.
func Link(publicURL, accessToken string) string {
	return strings.TrimRight(publicURL, "/") + "/" + accessToken
}

func greeting(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return "Hi " + name + ","
	}
	return "Hi,"
}

func readyText(name, link string, expires *time.Time) string {
	var b strings.Builder
	b.WriteString(greeting(name))
	b.WriteString("\n\nYour personalized nutrition report is ready:\n")
	b.WriteString(link)
	b.WriteString("\n")
	if expires != nil {
		fmt.Fprintf(&b, "\nThe link works until %s.\n", expires.UTC().Format("Jan 2, 2006 15:04 MST"))
	}
	return b.String()
}

// LoadAWSConfig reads credentials from the default chain for region.
func LoadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("unable to load AWS config: %w", err)
	}
	return cfg, nil
}
