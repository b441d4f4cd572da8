// Command pdatactl manages PData users and roles directly against the
// on-disk credential store, without going through the HTTP API.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/r2northstar/pdata/pkg/credstore"
)

var opt struct {
	DBRoot       string
	AllowedRoles string
	Help         bool
}

func init() {
	pflag.StringVar(&opt.DBRoot, "db-root", os.Getenv("PDATA_DB_ROOT"), "PData database root directory")
	pflag.StringVar(&opt.AllowedRoles, "allowed-roles", envOr("PDATA_ALLOWED_ROLES", "admin,user,project"), "comma-separated list of roles accepted by \"role\" subcommands")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func envOr(k, def string) string {
	if v, ok := os.LookupEnv(k); ok {
		return v
	}
	return def
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: %s [options] <command> [args]

commands:
  user add <username> <password> [role]   create a user (role defaults to %q)
  user passwd <username> <password>       change a user's password
  user rm <username>                      delete a user
  user ls                                 list usernames
  role grant <username> <role>            grant a role to a user
  role revoke <username> <role>           revoke a role from a user
  role ls <username>                      list a user's roles

options:
%s`, os.Args[0], credstore.DefaultRole, pflag.CommandLine.FlagUsages())
}

func main() {
	pflag.Parse()

	if opt.Help {
		usage()
		os.Exit(2)
	}
	if opt.DBRoot == "" {
		fmt.Fprintln(os.Stderr, "error: --db-root (or PDATA_DB_ROOT) is required")
		os.Exit(1)
	}

	args := pflag.Args()
	if len(args) < 2 {
		usage()
		os.Exit(2)
	}

	allowed := make(map[string]struct{})
	for _, r := range strings.Split(opt.AllowedRoles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			allowed[r] = struct{}{}
		}
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	store, err := credstore.Open(opt.DBRoot, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open credential store: %v\n", err)
		os.Exit(1)
	}

	if err := run(store, allowed, args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(store *credstore.Store, allowed map[string]struct{}, group string, args []string) error {
	switch group {
	case "user":
		return runUser(store, args)
	case "role":
		return runRole(store, allowed, args)
	default:
		usage()
		os.Exit(2)
		return nil
	}
}

func runUser(store *credstore.Store, args []string) error {
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}
	switch args[0] {
	case "add":
		if len(args) < 3 || len(args) > 4 {
			return fmt.Errorf("usage: user add <username> <password> [role]")
		}
		role := credstore.DefaultRole
		if len(args) == 4 {
			role = args[3]
		}
		if err := store.Add(args[1], args[2], role); err != nil {
			return err
		}
		fmt.Printf("created user %q with role %q\n", args[1], role)
		return nil

	case "passwd":
		if len(args) != 3 {
			return fmt.Errorf("usage: user passwd <username> <password>")
		}
		if err := store.UpdatePassword(args[1], args[2]); err != nil {
			return err
		}
		fmt.Printf("updated password for %q\n", args[1])
		return nil

	case "rm":
		if len(args) != 2 {
			return fmt.Errorf("usage: user rm <username>")
		}
		if err := store.Delete(args[1]); err != nil {
			return err
		}
		fmt.Printf("deleted user %q\n", args[1])
		return nil

	case "ls":
		for _, u := range store.ListUsers() {
			fmt.Println(u)
		}
		return nil

	default:
		return fmt.Errorf("unknown user subcommand %q", args[0])
	}
}

func runRole(store *credstore.Store, allowed map[string]struct{}, args []string) error {
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}
	switch args[0] {
	case "grant":
		if len(args) != 3 {
			return fmt.Errorf("usage: role grant <username> <role>")
		}
		if _, ok := allowed[args[2]]; !ok {
			return fmt.Errorf("role %q is not in the allowed role list (%s); a login would never be granted it", args[2], strings.Join(sortedKeys(allowed), ","))
		}
		if err := store.SetRole(args[1], args[2]); err != nil {
			return err
		}
		fmt.Printf("granted %q to %q\n", args[2], args[1])
		return nil

	case "revoke":
		if len(args) != 3 {
			return fmt.Errorf("usage: role revoke <username> <role>")
		}
		if err := store.UnsetRole(args[1], args[2]); err != nil {
			return err
		}
		fmt.Printf("revoked %q from %q\n", args[2], args[1])
		return nil

	case "ls":
		if len(args) != 2 {
			return fmt.Errorf("usage: role ls <username>")
		}
		for r := range store.GetRoles(args[1]) {
			fmt.Println(r)
		}
		return nil

	default:
		return fmt.Errorf("unknown role subcommand %q", args[0])
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
