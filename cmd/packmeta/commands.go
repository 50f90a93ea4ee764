package main

import (
	"bufio"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"sspdesk/internal/config"
	"sspdesk/internal/license"
	"sspdesk/internal/packaged"
	"sspdesk/internal/security"
)

const (
	privateKeyFile = "private.pem"
	publicKeyFile  = "public.pem"
	aesKeyFile     = "aes.key"
)

// defaultFiles are the artifact names the client looks for
func defaultFiles() packaged.Files {
	p := config.Default().Packaged
	return packaged.Files{Blob: p.BlobFile, Checksum: p.ChecksumFile, Signature: p.SignatureFile}
}

func newKeygenCmd(fs afero.Fs) *cobra.Command {
	var (
		outDir string
		bits   int
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA signing pair and an AES-256 key",
		Example: `  packmeta keygen --out ./keys
  packmeta keygen --out ./keys --bits 4096`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if exists, _ := afero.Exists(fs, filepath.Join(outDir, privateKeyFile)); exists {
				return fmt.Errorf("%s already exists in %s", privateKeyFile, outDir)
			}
			privPEM, pubPEM, err := packaged.GenerateKeyPair(bits)
			if err != nil {
				return err
			}
			aesKey, err := security.GenerateAESKey()
			if err != nil {
				return err
			}

			if err := fs.MkdirAll(outDir, 0o700); err != nil {
				return err
			}
			for _, f := range []struct {
				name string
				data []byte
				perm os.FileMode
			}{
				{privateKeyFile, privPEM, 0o600},
				{publicKeyFile, pubPEM, 0o644},
				{aesKeyFile, []byte(hex.EncodeToString(aesKey) + "\n"), 0o600},
			} {
				if err := afero.WriteFile(fs, filepath.Join(outDir, f.name), f.data, f.perm); err != nil {
					return fmt.Errorf("write %s: %w", f.name, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Keys written to %s\n", outDir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory for the generated keys")
	cmd.Flags().IntVar(&bits, "bits", 2048, "RSA key size")
	return cmd
}

func newSealCmd(fs afero.Fs) *cobra.Command {
	var (
		tier          string
		expires       string
		projectsLimit int
		keyDir        string
		outDir        string
		detached      bool
	)
	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Seal tier metadata into publishable artifacts",
		Example: `  packmeta seal --tier enterprise --expires 2027-12-31 --keys ./keys --out ./dist
  packmeta seal --tier standard --projects-limit 10 --keys ./keys --out ./dist --detached-sig`,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := license.ParseTier(tier)
			if err != nil {
				return err
			}
			if t == license.TierTrial || t == license.TierDeveloper {
				return fmt.Errorf("tier %q cannot be packaged", tier)
			}

			meta := packaged.Metadata{Tier: t.String()}
			if expires != "" {
				at, err := parseExpiry(expires)
				if err != nil {
					return err
				}
				meta.ExpiresAt = &at
			}
			if cmd.Flags().Changed("projects-limit") {
				limit := projectsLimit
				meta.ProjectsLimit = &limit
			}

			priv, aesKey, err := loadSigningKeys(fs, keyDir)
			if err != nil {
				return err
			}
			blob, err := packaged.Seal(meta, aesKey, priv, packaged.SealOptions{DetachedSig: detached})
			if err != nil {
				return err
			}
			if err := packaged.WriteBlob(fs, outDir, defaultFiles(), blob); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sealed %s metadata into %s (checksum %s)\n", meta.Tier, outDir, blob.Checksum)
			return nil
		},
	}
	cmd.Flags().StringVar(&tier, "tier", "", "tier to seal (standard, pro_monthly, pro_yearly, enterprise)")
	cmd.Flags().StringVar(&expires, "expires", "", "expiry as YYYY-MM-DD or RFC 3339; empty never expires")
	cmd.Flags().IntVar(&projectsLimit, "projects-limit", 0, "project ceiling, -1 for unlimited; defaults to the tier's limit")
	cmd.Flags().StringVar(&keyDir, "keys", ".", "directory holding private.pem and aes.key")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory for the artifacts")
	cmd.Flags().BoolVar(&detached, "detached-sig", false, "publish the signature as meta.sig instead of embedding it")
	_ = cmd.MarkFlagRequired("tier")
	return cmd
}

func newVerifyCmd(fs afero.Fs) *cobra.Command {
	var (
		dir     string
		keyDir  string
		aesHex  string
		pubFile string
	)
	cmd := &cobra.Command{
		Use:     "verify",
		Short:   "Verify published artifacts the way the client does",
		Example: `  packmeta verify --dir ./dist --keys ./keys`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if aesHex == "" {
				raw, err := afero.ReadFile(fs, filepath.Join(keyDir, aesKeyFile))
				if err != nil {
					return fmt.Errorf("read aes key: %w", err)
				}
				aesHex = strings.TrimSpace(string(raw))
			}
			if pubFile == "" {
				pubFile = filepath.Join(keyDir, publicKeyFile)
			}
			pubPEM, err := afero.ReadFile(fs, pubFile)
			if err != nil {
				return fmt.Errorf("read public key: %w", err)
			}
			v, err := packaged.NewVerifier(aesHex, pubPEM)
			if err != nil {
				return err
			}

			files := defaultFiles()
			files.Blob = filepath.Join(dir, files.Blob)
			files.Checksum = filepath.Join(dir, files.Checksum)
			files.Signature = filepath.Join(dir, files.Signature)
			blob, err := packaged.LoadBlob(fs, files)
			if err != nil {
				return err
			}
			meta, err := v.Open(blob)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Tier: %s\n", meta.Tier)
			if meta.ExpiresAt != nil {
				fmt.Fprintf(out, "Expires: %s\n", meta.ExpiresAt.UTC().Format(time.RFC3339))
			} else {
				fmt.Fprintln(out, "Expires: never")
			}
			if meta.ProjectsLimit != nil {
				fmt.Fprintf(out, "Projects limit: %d\n", *meta.ProjectsLimit)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "directory holding the artifacts")
	cmd.Flags().StringVar(&keyDir, "keys", ".", "directory holding public.pem and aes.key")
	cmd.Flags().StringVar(&aesHex, "aes-key-hex", "", "AES key as 64 hex characters, overrides --keys")
	cmd.Flags().StringVar(&pubFile, "public-key", "", "public key PEM file, overrides --keys")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a developer password for license.developer_password_hash",
		Long:  `Reads the password from the first line of standard input and prints the encoded scrypt hash.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return errors.New("password is required on standard input")
			}
			password := strings.TrimRight(line, "\r\n")
			if password == "" {
				return errors.New("password is required on standard input")
			}
			encoded, err := security.HashCredential(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), encoded)
			return nil
		},
	}
}

// loadSigningKeys reads private.pem and aes.key from dir
func loadSigningKeys(fs afero.Fs, dir string) (*rsa.PrivateKey, []byte, error) {
	privPEM, err := afero.ReadFile(fs, filepath.Join(dir, privateKeyFile))
	if err != nil {
		return nil, nil, fmt.Errorf("read private key: %w", err)
	}
	priv, err := packaged.ParsePrivateKey(privPEM)
	if err != nil {
		return nil, nil, err
	}
	raw, err := afero.ReadFile(fs, filepath.Join(dir, aesKeyFile))
	if err != nil {
		return nil, nil, fmt.Errorf("read aes key: %w", err)
	}
	aesKey, err := security.ParseAESKey(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, nil, err
	}
	return priv, aesKey, nil
}

// parseExpiry accepts a calendar date, which expires at the end of that
// UTC day, or a full RFC 3339 timestamp
func parseExpiry(s string) (time.Time, error) {
	if d, err := time.Parse(time.DateOnly, s); err == nil {
		return d.Add(24*time.Hour - time.Millisecond), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expiry %q: use YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}
