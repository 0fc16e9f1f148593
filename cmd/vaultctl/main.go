package main

import (
	"bufio"
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/plausible/vaultcore/internal/fsprovider"
	"github.com/plausible/vaultcore/internal/identity"
	"github.com/plausible/vaultcore/internal/migrate"
	"github.com/plausible/vaultcore/internal/unlock"
	"github.com/plausible/vaultcore/krypto"
)

const cliVersion = "0.1.0"

type userError struct {
	msg string
}

func (e userError) Error() string { return e.msg }

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Println(cliVersion)
	case "init-primary":
		err = runInitPrimary(os.Args[2:])
	case "add-secondary":
		err = runAddSecondary(os.Args[2:])
	case "unlock":
		err = runUnlock(os.Args[2:])
	case "remove":
		err = runRemove(os.Args[2:])
	case "migrate":
		err = runMigrate(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	handleError(err)
}

func handleError(err error) {
	if err == nil {
		return
	}
	var uerr userError
	if errors.As(err, &uerr) {
		fmt.Fprintln(os.Stderr, uerr.Error())
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "unexpected error: %v\n", err)
	os.Exit(2)
}

func runInitPrimary(args []string) error {
	fs := flag.NewFlagSet("init-primary", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var dir string
	var workFactor uint
	fs.StringVar(&dir, "dir", "", "vault directory")
	fs.UintVar(&workFactor, "work-factor", 3, "masterkey blob KDF work factor (1-255)")

	if err := fs.Parse(args); err != nil {
		return userError{msg: "invalid arguments"}
	}
	if dir == "" {
		return userError{msg: "missing required flag: --dir"}
	}
	if fs.NArg() != 0 {
		return userError{msg: "unexpected positional arguments"}
	}

	printCalibrationDiagnostics()

	pw, err := promptAndConfirmPassword("primary")
	if err != nil {
		return err
	}
	defer zeroBytes(pw)

	if err := identity.InitPrimary(dir, pw, uint32(workFactor), fsprovider.New()); err != nil {
		if errors.Is(err, identity.ErrAlreadyInitialized) {
			return userError{msg: "vault is already initialized"}
		}
		return fmt.Errorf("initialize primary identity: %w", err)
	}

	fmt.Println("primary identity initialized")
	return nil
}

func runAddSecondary(args []string) error {
	fs := flag.NewFlagSet("add-secondary", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var dir string
	var workFactor uint
	fs.StringVar(&dir, "dir", "", "vault directory")
	fs.UintVar(&workFactor, "work-factor", 3, "masterkey blob KDF work factor (1-255)")

	if err := fs.Parse(args); err != nil {
		return userError{msg: "invalid arguments"}
	}
	if dir == "" {
		return userError{msg: "missing required flag: --dir"}
	}
	if fs.NArg() != 0 {
		return userError{msg: "unexpected positional arguments"}
	}

	primaryPw, err := promptPassword("Existing password for this vault: ")
	if err != nil {
		return fmt.Errorf("read primary password: %w", err)
	}
	defer zeroBytes(primaryPw)

	secondaryPw, err := promptAndConfirmPassword("new hidden")
	if err != nil {
		return err
	}
	defer zeroBytes(secondaryPw)

	if err := identity.AddSecondary(dir, primaryPw, secondaryPw, uint32(workFactor), fsprovider.New()); err != nil {
		if errors.Is(err, identity.ErrAuthRequired) {
			return userError{msg: "the existing password you entered is not correct"}
		}
		return fmt.Errorf("add secondary identity: %w", err)
	}

	fmt.Println("a new identity was added to this vault")
	return nil
}

func runUnlock(args []string) error {
	fs := flag.NewFlagSet("unlock", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var dir string
	var readOnly bool
	fs.StringVar(&dir, "dir", "", "vault directory")
	fs.BoolVar(&readOnly, "read-only", false, "mount without persisting any writes")

	if err := fs.Parse(args); err != nil {
		return userError{msg: "invalid arguments"}
	}
	if dir == "" {
		return userError{msg: "missing required flag: --dir"}
	}
	if fs.NArg() != 0 {
		return userError{msg: "unexpected positional arguments"}
	}

	migrate.MigrateIfNeeded(dir)

	pw, err := promptPassword("Password: ")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	defer zeroBytes(pw)

	handle, err := unlock.Unlock(dir, pw, fsprovider.New(), unlock.MountOptions{ReadOnly: readOnly})
	if err != nil {
		switch {
		case errors.Is(err, unlock.ErrWrongPassphrase), errors.Is(err, unlock.ErrNoMatchingConfig):
			return userError{msg: "incorrect password"}
		default:
			return fmt.Errorf("unlock: %w", err)
		}
	}
	defer handle.Lock()

	session, ok := handle.(*fsprovider.Session)
	if !ok {
		return fmt.Errorf("unlock: mounted handle has unexpected type %T", handle)
	}

	fmt.Println("vault unlocked; type 'help' for commands")
	return sessionLoop(session)
}

func sessionLoop(session *fsprovider.Session) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("vaultctl> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			fmt.Println()
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd, rest := fields[0], fields[1:]

		var err error
		switch cmd {
		case "help":
			printSessionHelp()
		case "add":
			err = sessionAdd(session, rest)
		case "get":
			err = sessionGet(session, rest)
		case "update":
			err = sessionUpdate(session, rest)
		case "delete":
			err = sessionDelete(session, rest)
		case "list":
			err = sessionList(session)
		case "exit", "quit":
			return nil
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		}
		if err != nil {
			handleSessionError(err)
		}
	}
}

func sessionAdd(session *fsprovider.Session, args []string) error {
	if len(args) < 2 {
		return userError{msg: "usage: add <website> <username>"}
	}
	secret, err := promptPassword("Secret: ")
	if err != nil {
		return fmt.Errorf("read secret: %w", err)
	}
	defer zeroBytes(secret)
	if err := session.Add(args[0], args[1], string(secret)); err != nil {
		return err
	}
	fmt.Printf("stored credential for %s/%s\n", args[0], args[1])
	return nil
}

func sessionGet(session *fsprovider.Session, args []string) error {
	if len(args) < 2 {
		return userError{msg: "usage: get <website> <username>"}
	}
	plaintext, err := session.Get(args[0], args[1])
	if err != nil {
		if errors.Is(err, fsprovider.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "no credential found for %s/%s\n", args[0], args[1])
			return nil
		}
		return err
	}
	fmt.Printf("%s %s: %s\n", args[0], args[1], plaintext)
	return nil
}

func sessionUpdate(session *fsprovider.Session, args []string) error {
	if len(args) < 2 {
		return userError{msg: "usage: update <website> <username>"}
	}
	secret, err := promptPassword("New secret: ")
	if err != nil {
		return fmt.Errorf("read secret: %w", err)
	}
	defer zeroBytes(secret)
	if err := session.Update(args[0], args[1], "", string(secret)); err != nil {
		if errors.Is(err, fsprovider.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "no credential found for %s/%s\n", args[0], args[1])
			return nil
		}
		return err
	}
	fmt.Printf("updated credential for %s/%s\n", args[0], args[1])
	return nil
}

func sessionDelete(session *fsprovider.Session, args []string) error {
	if len(args) < 2 {
		return userError{msg: "usage: delete <website> <username>"}
	}
	if err := session.Delete(args[0], args[1]); err != nil {
		if errors.Is(err, fsprovider.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "no credential found for %s/%s\n", args[0], args[1])
			return nil
		}
		return err
	}
	fmt.Printf("deleted credential for %s/%s\n", args[0], args[1])
	return nil
}

func sessionList(session *fsprovider.Session) error {
	items, err := session.List()
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("(no credentials stored)")
		return nil
	}
	for _, it := range items {
		fmt.Printf("%s %s\n", it.Website, it.Username)
	}
	return nil
}

func runRemove(args []string) error {
	fs := flag.NewFlagSet("remove", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var dir string
	fs.StringVar(&dir, "dir", "", "vault directory")

	if err := fs.Parse(args); err != nil {
		return userError{msg: "invalid arguments"}
	}
	if dir == "" {
		return userError{msg: "missing required flag: --dir"}
	}
	if fs.NArg() != 0 {
		return userError{msg: "unexpected positional arguments"}
	}

	pw, err := promptPassword("Password of the identity to remove: ")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	defer zeroBytes(pw)

	removed, err := identity.Remove(dir, pw)
	if err != nil {
		return fmt.Errorf("remove identity: %w", err)
	}
	if !removed {
		return userError{msg: "no identity in this vault matches that password"}
	}

	fmt.Println("identity removed")
	return nil
}

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var dir string
	fs.StringVar(&dir, "dir", "", "vault directory")

	if err := fs.Parse(args); err != nil {
		return userError{msg: "invalid arguments"}
	}
	if dir == "" {
		return userError{msg: "missing required flag: --dir"}
	}
	if fs.NArg() != 0 {
		return userError{msg: "unexpected positional arguments"}
	}

	if !migrate.NeedsMigration(dir) {
		fmt.Println("nothing to migrate")
		return nil
	}
	if err := migrate.Migrate(dir); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Println("legacy vault.bak merged into the config container")
	return nil
}

func printCalibrationDiagnostics() {
	level := krypto.SecurityLevel(krypto.KeyslotPBKDF2Iterations)
	crack := krypto.EstimateCrackTime(krypto.KeyslotPBKDF2Iterations)
	fmt.Printf("keyslot wrap: PBKDF2-HMAC-SHA256, %s iterations (%s security)\n",
		strconv.Itoa(krypto.KeyslotPBKDF2Iterations), level)
	fmt.Printf("estimated worst-case crack time for an 8-character mixed password: %s\n", crack)
}

func promptAndConfirmPassword(label string) ([]byte, error) {
	pw, err := promptPassword(fmt.Sprintf("Enter %s password: ", label))
	if err != nil {
		return nil, fmt.Errorf("read %s password: %w", label, err)
	}
	confirm, err := promptPassword(fmt.Sprintf("Confirm %s password: ", label))
	if err != nil {
		zeroBytes(pw)
		return nil, fmt.Errorf("read confirmation: %w", err)
	}
	defer zeroBytes(confirm)
	if !bytes.Equal(pw, confirm) {
		zeroBytes(pw)
		return nil, userError{msg: "passwords do not match"}
	}
	return pw, nil
}

func promptPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return pw, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func handleSessionError(err error) {
	if err == nil {
		return
	}
	var uerr userError
	if errors.As(err, &uerr) {
		fmt.Fprintln(os.Stderr, uerr.Error())
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}

func printSessionHelp() {
	fmt.Println("Commands:")
	fmt.Println("  add <website> <username>")
	fmt.Println("  get <website> <username>")
	fmt.Println("  update <website> <username>")
	fmt.Println("  delete <website> <username>")
	fmt.Println("  list")
	fmt.Println("  help")
	fmt.Println("  exit | quit")
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: vaultctl <command>")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  version")
	fmt.Fprintln(os.Stderr, "  init-primary --dir <vault-dir> [--work-factor N]")
	fmt.Fprintln(os.Stderr, "  add-secondary --dir <vault-dir> [--work-factor N]")
	fmt.Fprintln(os.Stderr, "  unlock --dir <vault-dir> [--read-only]")
	fmt.Fprintln(os.Stderr, "  remove --dir <vault-dir>")
	fmt.Fprintln(os.Stderr, "  migrate --dir <vault-dir>")
}
