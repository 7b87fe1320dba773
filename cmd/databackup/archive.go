package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"filippo.io/age"

	"github.com/CrackerCat/Android-DataBackup/internal/backup"
	"github.com/CrackerCat/Android-DataBackup/internal/cli"
	"github.com/CrackerCat/Android-DataBackup/internal/config"
	"github.com/CrackerCat/Android-DataBackup/internal/input"
	"github.com/CrackerCat/Android-DataBackup/internal/logging"
)

var errPassphrase = errors.New("passphrase unavailable")

// readPassphrase is swapped in tests.
var readPassphrase = func(ctx context.Context, confirm bool) (string, error) {
	return input.Passphrase(ctx, os.Stderr, int(os.Stdin.Fd()), "Archive passphrase", confirm)
}

// buildArchiver collects age keys from the configuration and, with
// --passphrase, from a prompted passphrase. Backups need recipients only
// when encryption is on; identities are always loaded so encrypted
// archives can be tested and restored.
func buildArchiver(ctx context.Context, cfg *config.Config, args *cli.Args, backupRun bool) (*backup.Archiver, error) {
	acfg := &backup.ArchiverConfig{
		Compression:      cfg.CompressionType,
		CompressionLevel: cfg.CompressionLevel,
		EncryptArchive:   cfg.EncryptArchives,
	}

	recipients := append([]string(nil), cfg.AgeRecipients...)
	var identities []age.Identity
	if cfg.AgeIdentityFile != "" {
		ids, err := backup.ReadIdentityFile(cfg.AgeIdentityFile)
		if err != nil {
			return nil, err
		}
		identities = append(identities, ids...)
	}

	if args.Passphrase {
		pass, err := readPassphrase(ctx, backupRun)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errPassphrase, err)
		}
		if backupRun {
			if err := backup.ValidatePassphrase(pass); err != nil {
				return nil, fmt.Errorf("%w: %v", errPassphrase, err)
			}
			recipient, err := backup.DeriveRecipient(pass)
			if err != nil {
				return nil, err
			}
			recipients = append(recipients, recipient)
			acfg.EncryptArchive = true
		}
		id, err := backup.DeriveIdentity(pass)
		if err != nil {
			return nil, err
		}
		identities = append(identities, id)
	}

	if acfg.EncryptArchive {
		parsed, err := backup.ParseRecipients(recipients)
		if err != nil {
			return nil, err
		}
		acfg.AgeRecipients = parsed
	}
	acfg.AgeIdentities = identities
	if err := acfg.Validate(); err != nil {
		return nil, err
	}
	return backup.NewArchiver(logging.GetDefaultLogger(), acfg), nil
}
