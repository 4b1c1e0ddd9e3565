package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fly-sync/devicecore/internal/archive"
)

// checkResult is one permission probe's outcome, adapted from the teacher's
// check-aws-perms tool, generalized from a read-only image-download bucket
// check to the Archive Store's read/write requirements (it also needs
// PutObject, since Push uploads backup directories rather than only
// downloading container images).
type checkResult struct {
	Name   string
	Pass   bool
	Detail string
}

// runArchiveCheck verifies the bucket configured for the Archive Store
// (internal/archive) grants every S3 permission a Push/Pull round-trip
// needs, without requiring a real backup to exercise it first.
func runArchiveCheck(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	fs := flag.NewFlagSet("archive-check", flag.ExitOnError)
	bucket := fs.String("bucket", archive.DefaultConfig().Bucket, "S3 bucket to check")
	region := fs.String("region", archive.DefaultConfig().Region, "AWS region")
	timeout := fs.Duration("timeout", 20*time.Second, "per-operation timeout")
	fs.Parse(os.Args[2:])

	ctx := context.Background()
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(*region))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	client := awss3.NewFromConfig(awsCfg)

	var results []checkResult
	const probeKey = "devicecore-archive-check-probe"

	results = append(results, probe(ctx, *timeout, "s3:ListBucket", func(c context.Context) error {
		_, err := client.ListObjectsV2(c, &awss3.ListObjectsV2Input{Bucket: bucket, MaxKeys: aws.Int32(1)})
		return err
	}))

	results = append(results, probe(ctx, *timeout, "s3:PutObject", func(c context.Context) error {
		_, err := client.PutObject(c, &awss3.PutObjectInput{
			Bucket: bucket,
			Key:    aws.String(probeKey),
			Body:   strings.NewReader("devicecore archive permission probe"),
		})
		return err
	}))

	results = append(results, probe(ctx, *timeout, "s3:HeadObject", func(c context.Context) error {
		_, err := client.HeadObject(c, &awss3.HeadObjectInput{Bucket: bucket, Key: aws.String(probeKey)})
		return err
	}))

	results = append(results, probe(ctx, *timeout, "s3:GetObject", func(c context.Context) error {
		out, err := client.GetObject(c, &awss3.GetObjectInput{Bucket: bucket, Key: aws.String(probeKey)})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		_, err = io.Copy(io.Discard, out.Body)
		return err
	}))

	results = append(results, probe(ctx, *timeout, "s3:DeleteObject", func(c context.Context) error {
		_, err := client.DeleteObject(c, &awss3.DeleteObjectInput{Bucket: bucket, Key: aws.String(probeKey)})
		return err
	}))

	fmt.Printf("archive store permission check summary (bucket=%s):\n", *bucket)
	missing := 0
	for _, r := range results {
		status := "OK"
		if !r.Pass {
			status = "MISSING"
			missing++
		}
		if r.Detail != "" {
			fmt.Printf("- %-16s : %-8s — %s\n", r.Name, status, r.Detail)
		} else {
			fmt.Printf("- %-16s : %-8s\n", r.Name, status)
		}
	}
	if missing > 0 {
		return fmt.Errorf("%d required permission(s) missing on bucket %s", missing, *bucket)
	}
	fmt.Println("\nResult: all permissions the archive store needs are present.")
	return nil
}

func probe(ctx context.Context, timeout time.Duration, name string, fn func(context.Context) error) checkResult {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := fn(opCtx); err != nil {
		return checkResult{Name: name, Pass: false, Detail: strings.TrimSpace(err.Error())}
	}
	return checkResult{Name: name, Pass: true}
}
