// Package commands implements the blobcrypt CLI over local files.
//
// A ciphertext file is stored next to a "<name>.meta.json" sidecar that
// holds its metadata, including the encryption descriptor.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/blobcrypt/internal/config"
	"github.com/kenneth/blobcrypt/internal/crypto"
	"github.com/kenneth/blobcrypt/internal/pipeline"
	"github.com/kenneth/blobcrypt/internal/s3"
)

// localBucket addresses a file directly inside a FileClient root.
const localBucket = "."

// Env carries what every command needs.
type Env struct {
	Config *config.Config
	Logger *logrus.Logger
	// Stdout receives decrypted output for "-" and inspect reports.
	Stdout io.Writer
}

// openPipeline builds a pipeline over the directory holding path.
func openPipeline(ctx context.Context, env Env, path string) (*pipeline.Pipeline, *pipeline.Keys, string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, "", err
	}

	keys, err := pipeline.OpenKeys(ctx, env.Config.Encryption)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to open keys: %w", err)
	}
	p, err := pipeline.New(pipeline.Config{
		Client:   s3.NewFileClient(filepath.Dir(abs)),
		Keys:     keys.Source,
		Settings: pipeline.NewPolicySettings(env.Config.Encryption, nil, keys.Active),
		Logger:   env.Logger,
	})
	if err != nil {
		_ = keys.Close()
		return nil, nil, "", err
	}
	return p, keys, filepath.Base(abs), nil
}

func closeKeys(keys *pipeline.Keys, logger *logrus.Logger) {
	if err := keys.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close key handles")
	}
}

// ParseMetadata converts "name=value" pairs into blob metadata.
func ParseMetadata(pairs []string) (map[string]string, error) {
	metadata := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid metadata %q (want name=value)", pair)
		}
		if name == crypto.EncryptionDataKey {
			return nil, fmt.Errorf("metadata name %q is reserved", name)
		}
		metadata[name] = value
	}
	return metadata, nil
}

// RunEncrypt encrypts the file at in and writes the ciphertext to out.
func RunEncrypt(ctx context.Context, env Env, in, out string, metadata map[string]string) error {
	src, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer src.Close()

	p, keys, key, err := openPipeline(ctx, env, out)
	if err != nil {
		return err
	}
	defer closeKeys(keys, env.Logger)

	data, err := p.Upload(ctx, localBucket, key, src, metadata)
	if err != nil {
		return fmt.Errorf("failed to encrypt %s: %w", in, err)
	}
	env.Logger.WithFields(logrus.Fields{
		"in":       in,
		"out":      out,
		"protocol": data.Protocol(),
		"key_id":   data.WrappedContentKey.KeyID,
	}).Info("Encrypted file")
	return nil
}

// RunDecrypt decrypts the file at in, or the byte range rangeHeader of its
// plaintext, and writes it to out. An out of "-" writes to env.Stdout.
func RunDecrypt(ctx context.Context, env Env, in, out, rangeHeader string) (err error) {
	p, keys, key, err := openPipeline(ctx, env, in)
	if err != nil {
		return err
	}
	defer closeKeys(keys, env.Logger)

	var blob *pipeline.Blob
	if rangeHeader == "" {
		blob, err = p.Download(ctx, localBucket, key, crypto.BlobRange{})
	} else {
		spec, parseErr := crypto.ParseHTTPRange(rangeHeader)
		if parseErr != nil {
			return parseErr
		}
		blob, _, err = p.DownloadRange(ctx, localBucket, key, spec)
	}
	if err != nil {
		return fmt.Errorf("failed to decrypt %s: %w", in, err)
	}
	defer func() {
		if closeErr := blob.Body.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("failed to decrypt %s: %w", in, closeErr)
		}
	}()

	if out == "-" {
		if _, err := io.Copy(env.Stdout, blob.Body); err != nil {
			return fmt.Errorf("failed to decrypt %s: %w", in, err)
		}
		return nil
	}
	return writeFile(out, blob.Body)
}

// writeFile writes r to path, leaving no partial file behind on error.
func writeFile(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("failed to write output: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

// Report is what inspect prints about a file.
type Report struct {
	Protocol      string            `json:"protocol"`
	KeyID         string            `json:"key_id,omitempty"`
	PlaintextSize int64             `json:"plaintext_size"`
	StoredSize    int64             `json:"stored_size"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// RunInspect reports the protocol, key and plaintext length of a file.
func RunInspect(ctx context.Context, env Env, in, format string) error {
	p, keys, key, err := openPipeline(ctx, env, in)
	if err != nil {
		return err
	}
	defer closeKeys(keys, env.Logger)

	info, err := p.Head(ctx, localBucket, key)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", in, err)
	}
	report := Report{
		Protocol:      info.Protocol,
		KeyID:         info.KeyID,
		PlaintextSize: info.Size,
		StoredSize:    info.StoredSize,
		Metadata:      info.Metadata,
	}
	if report.Protocol == "" {
		report.Protocol = "none"
	}

	if format == "json" {
		enc := json.NewEncoder(env.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	_, err = fmt.Fprintf(env.Stdout, "protocol:       %s\nkey id:         %s\nplaintext size: %d\nstored size:    %d\n",
		report.Protocol, report.KeyID, report.PlaintextSize, report.StoredSize)
	return err
}
