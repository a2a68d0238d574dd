// Command autoinc-audit is a Lambda function that audits a counter table's
// DynamoDB stream and fails the batch when a counter moves backwards.
package main

import (
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/jacentio/autoinc/stream"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	h := stream.NewHandler(stream.Config{
		KeyAttribute: os.Getenv("COUNTER_KEY_ATTRIBUTE"),
	}, logger)

	lambda.Start(h.HandleCounterAudit)
}
