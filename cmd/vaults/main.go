// Command vaults manages encrypted media vault containers: single files
// holding many encrypted entries, streamed in and out without decrypted
// copies touching disk.
//
// Playback goes through a pipe to the caller's viewer, e.g.:
//
//	vaults cat -f media.vault clip.mkv | ffplay -i -
//
// Exit codes: 0 success, 1 authentication failure, 2 I/O or usage error,
// 3 corrupt container.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	vault "github.com/ShadowElf37/vaults"
)

const defaultVaultFile = "media.vault"

var log = logrus.New()

func main() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	log.SetLevel(logrus.WarnLevel)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "add":
		runAdd(os.Args[2:])
	case "cat":
		runCat(os.Args[2:])
	case "extract":
		runExtract(os.Args[2:])
	case "ls":
		runLs(os.Args[2:])
	case "rm":
		runRm(os.Args[2:])
	case "passwd":
		runPasswd(os.Args[2:])
	case "compact":
		runCompact(os.Args[2:])
	case "info":
		runInfo(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
}

// commonFlags registers the flags shared by every subcommand.
func commonFlags(fs *flag.FlagSet) (vaultPath, passwordFile *string, verbose *bool) {
	vaultPath = fs.String("f", defaultVaultFile, "Path to the vault container file")
	passwordFile = fs.String("password-file", "", "Read the password from the first line of this file")
	verbose = fs.Bool("verbose", false, "Enable debug logging")
	return
}

// nonInteractivePassword resolves a password without prompting: the
// -password-file flag first, then the VAULTS_PASSWORD environment variable.
// Returns nil when neither source is set.
func nonInteractivePassword(passwordFile string) ([]byte, error) {
	if passwordFile != "" {
		data, err := os.ReadFile(passwordFile)
		if err != nil {
			return nil, err
		}
		password := bytes.TrimRight(data, "\r\n")
		if len(password) == 0 {
			return nil, fmt.Errorf("password file %s is empty", passwordFile)
		}
		return password, nil
	}
	if password := os.Getenv("VAULTS_PASSWORD"); password != "" {
		return []byte(password), nil
	}
	return nil, nil
}

func applyVerbose(verbose bool) {
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	vaultPath, passwordFile, verbose := commonFlags(fs)
	cipherName := fs.String("cipher", "aes", "Cipher suite: aes or chacha")
	chunkSize := fs.Int("chunk-size", vault.DefaultChunkSize, "Maximum plaintext bytes per chunk")
	force := fs.Bool("force", false, "Overwrite an existing container")
	parseFlags(fs, args)
	applyVerbose(*verbose)

	cfg := vault.DefaultConfig()
	cfg.ChunkSize = *chunkSize
	switch *cipherName {
	case "aes":
		cfg.Cipher = vault.CipherAES256GCM
	case "chacha":
		cfg.Cipher = vault.CipherChaCha20Poly1305
	default:
		fmt.Fprintf(os.Stderr, "Unknown cipher: %s\n", *cipherName)
		os.Exit(2)
	}

	if *force {
		os.Remove(*vaultPath)
	}

	password, err := passwordForInit(*passwordFile)
	if err != nil {
		fail(err)
	}
	defer vault.Zero(password)

	if err := vault.Init(&osFS{}, *vaultPath, password, cfg); err != nil {
		if errors.Is(err, vault.ErrVaultExists) {
			fmt.Fprintf(os.Stderr, "Error: %s already exists (use --force to overwrite)\n", *vaultPath)
			os.Exit(2)
		}
		fail(err)
	}

	fmt.Printf("✓ Initialized %s (%s)\n", *vaultPath, cfg.Cipher)
}

func runAdd(args []string) {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	vaultPath, passwordFile, verbose := commonFlags(fs)
	name := fs.String("name", "", "Entry name (single file only; defaults to the file's base name)")
	keychain := fs.Bool("keychain", false, "Cache the password in the OS keyring")
	parseFlags(fs, args)
	applyVerbose(*verbose)

	files := fs.Args()
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: vaults add [-f vault] <file> [file...]")
		os.Exit(2)
	}
	if *name != "" && len(files) > 1 {
		fmt.Fprintln(os.Stderr, "error: -name requires exactly one file")
		os.Exit(2)
	}

	session := openAndUnlock(*vaultPath, *passwordFile, *keychain)
	defer session.Close()

	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			fail(err)
		}

		entryName := filepath.Base(path)
		if *name != "" {
			entryName = *name
		}
		contentType := mime.TypeByExtension(filepath.Ext(path))

		log.WithFields(logrus.Fields{"entry": entryName, "type": contentType}).Debug("storing entry")
		n, err := session.Put(entryName, contentType, f)
		f.Close()
		if err != nil {
			fail(err)
		}
		fmt.Printf("✓ Stored %s (%d bytes)\n", entryName, n)
	}
}

func runCat(args []string) {
	fs := flag.NewFlagSet("cat", flag.ExitOnError)
	vaultPath, passwordFile, verbose := commonFlags(fs)
	keychain := fs.Bool("keychain", false, "Cache the password in the OS keyring")
	parseFlags(fs, args)
	applyVerbose(*verbose)

	if len(fs.Args()) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: vaults cat [-f vault] <entry>")
		os.Exit(2)
	}

	session := openAndUnlock(*vaultPath, *passwordFile, *keychain)
	defer session.Close()

	if _, err := session.Extract(fs.Arg(0), os.Stdout); err != nil {
		fail(err)
	}
}

func runExtract(args []string) {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	vaultPath, passwordFile, verbose := commonFlags(fs)
	output := fs.String("o", "", "Output path (defaults to the entry name)")
	keychain := fs.Bool("keychain", false, "Cache the password in the OS keyring")
	parseFlags(fs, args)
	applyVerbose(*verbose)

	if len(fs.Args()) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: vaults extract [-f vault] [-o path] <entry>")
		os.Exit(2)
	}
	entryName := fs.Arg(0)

	outPath := *output
	if outPath == "" {
		outPath = filepath.Base(entryName)
	}

	session := openAndUnlock(*vaultPath, *passwordFile, *keychain)
	defer session.Close()

	out, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		fail(err)
	}

	n, err := session.Extract(entryName, out)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(outPath)
		fail(err)
	}
	fmt.Printf("✓ Extracted %s (%d bytes)\n", outPath, n)
}

func runLs(args []string) {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)
	vaultPath, passwordFile, verbose := commonFlags(fs)
	keychain := fs.Bool("keychain", false, "Cache the password in the OS keyring")
	parseFlags(fs, args)
	applyVerbose(*verbose)

	session := openAndUnlock(*vaultPath, *passwordFile, *keychain)
	defer session.Close()

	entries, err := session.List()
	if err != nil {
		fail(err)
	}

	if len(entries) == 0 {
		fmt.Println("(empty vault)")
		return
	}
	for _, e := range entries {
		ctype := e.ContentType
		if ctype == "" {
			ctype = "-"
		}
		fmt.Printf("%12d  %-28s %s\n", e.Length, ctype, e.Name)
	}
}

func runRm(args []string) {
	fs := flag.NewFlagSet("rm", flag.ExitOnError)
	vaultPath, passwordFile, verbose := commonFlags(fs)
	keychain := fs.Bool("keychain", false, "Cache the password in the OS keyring")
	noCompact := fs.Bool("no-compact", false, "Skip compaction after removal")
	parseFlags(fs, args)
	applyVerbose(*verbose)

	if len(fs.Args()) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: vaults rm [-f vault] <entry> [entry...]")
		os.Exit(2)
	}

	session := openAndUnlock(*vaultPath, *passwordFile, *keychain)
	defer session.Close()

	for _, name := range fs.Args() {
		if err := session.Remove(name); err != nil {
			fail(err)
		}
		fmt.Printf("✓ Removed %s\n", name)
	}

	if !*noCompact {
		log.Debug("compacting container")
		if err := session.Compact(); err != nil {
			fail(err)
		}
	}
}

func runPasswd(args []string) {
	fs := flag.NewFlagSet("passwd", flag.ExitOnError)
	vaultPath, passwordFile, verbose := commonFlags(fs)
	parseFlags(fs, args)
	applyVerbose(*verbose)

	session, err := vault.Open(&osFS{}, *vaultPath, nil)
	if err != nil {
		fail(err)
	}
	defer session.Close()

	oldPassword, err := nonInteractivePassword(*passwordFile)
	if err != nil {
		fail(err)
	}
	if oldPassword == nil {
		oldPassword, err = readPassword("Current password: ")
		if err != nil {
			fail(err)
		}
	}
	defer vault.Zero(oldPassword)

	if err := session.Unlock(oldPassword); err != nil {
		fail(err)
	}

	newPassword, err := readPasswordConfirm("New password: ")
	if err != nil {
		fail(err)
	}
	defer vault.Zero(newPassword)

	if err := session.ChangePassword(oldPassword, newPassword); err != nil {
		fail(err)
	}

	// Any cached password is stale now.
	keyringDelete(*vaultPath)
	fmt.Println("✓ Password changed")
}

func runCompact(args []string) {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	vaultPath, passwordFile, verbose := commonFlags(fs)
	keychain := fs.Bool("keychain", false, "Cache the password in the OS keyring")
	parseFlags(fs, args)
	applyVerbose(*verbose)

	session := openAndUnlock(*vaultPath, *passwordFile, *keychain)
	defer session.Close()

	if err := session.Compact(); err != nil {
		fail(err)
	}
	fmt.Println("✓ Compacted")
}

func runInfo(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	vaultPath, _, verbose := commonFlags(fs)
	parseFlags(fs, args)
	applyVerbose(*verbose)

	session, err := vault.Open(&osFS{}, *vaultPath, nil)
	if err != nil {
		fail(err)
	}
	defer session.Close()

	info, err := session.Info()
	if err != nil {
		fail(err)
	}
	fmt.Printf("container:  %s\n", info.Path)
	fmt.Printf("version:    %d\n", info.Version)
	fmt.Printf("cipher:     %s\n", info.Cipher)
	fmt.Printf("chunk size: %d\n", info.ChunkSize)
	fmt.Printf("size:       %d bytes\n", info.Size)
}

// openAndUnlock opens the container and unlocks it, trying the environment,
// the OS keyring (when enabled), then an interactive prompt.
func openAndUnlock(vaultPath, passwordFile string, useKeychain bool) *vault.Session {
	session, err := vault.Open(&osFS{}, vaultPath, nil)
	if err != nil {
		if os.IsNotExist(errors.Unwrap(err)) || os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Error: no vault at %s\nRun 'vaults init' first\n", vaultPath)
			os.Exit(2)
		}
		fail(err)
	}

	if pw, err := nonInteractivePassword(passwordFile); err != nil {
		fail(err)
	} else if pw != nil {
		defer vault.Zero(pw)
		if err := session.Unlock(pw); err != nil {
			fail(err)
		}
		return session
	}

	if useKeychain {
		if password, err := keyringGet(vaultPath); err == nil {
			err := session.Unlock(password)
			vault.Zero(password)
			if err == nil {
				log.Debug("unlocked with keyring password")
				return session
			}
			if !errors.Is(err, vault.ErrAuthenticationFailed) {
				fail(err)
			}
			// Stale keyring entry; fall through to the prompt.
			keyringDelete(vaultPath)
		}
	}

	password, err := readPassword("Enter password: ")
	if err != nil {
		fail(err)
	}
	defer vault.Zero(password)

	if err := session.Unlock(password); err != nil {
		fail(err)
	}
	if useKeychain {
		if err := keyringSet(vaultPath, password); err != nil {
			log.WithError(err).Warn("could not cache password in keyring")
		}
	}
	return session
}

func passwordForInit(passwordFile string) ([]byte, error) {
	if password, err := nonInteractivePassword(passwordFile); err != nil {
		return nil, err
	} else if password != nil {
		return password, nil
	}
	return readPasswordConfirm("Enter password: ")
}

func parseFlags(fs *flag.FlagSet, args []string) {
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(2)
	}
}

// fail prints err and exits with the documented code for its category.
func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, vault.ErrAuthenticationFailed):
		return 1
	case vault.IsCorruption(err):
		return 3
	default:
		return 2
	}
}

func printUsage() {
	fmt.Println("vaults - encrypted media vault")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  vaults <command> [-f vaultfile] [arguments]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init        Create a new vault container")
	fmt.Println("  add         Encrypt and store files in the vault")
	fmt.Println("  cat         Stream a decrypted entry to stdout")
	fmt.Println("  extract     Decrypt an entry to a file")
	fmt.Println("  ls          List entries")
	fmt.Println("  rm          Remove entries and compact")
	fmt.Println("  passwd      Change the vault password")
	fmt.Println("  compact     Reclaim space from removed entries")
	fmt.Println("  info        Show container details (no password needed)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  vaults init -f media.vault")
	fmt.Println("  vaults add -f media.vault holiday.mkv")
	fmt.Println("  vaults cat -f media.vault holiday.mkv | ffplay -i -")
	fmt.Println()
	fmt.Println("The -password-file flag or the VAULTS_PASSWORD environment variable")
	fmt.Println("supplies the password non-interactively; --keychain caches it in the")
	fmt.Println("OS keyring.")
}
