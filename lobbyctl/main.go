package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/pelletier/go-toml/v2"

	"golang.org/x/term"

	"github.com/helioslabs/lobby"
)

const LobbyCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Lobby control.

Credentials are stored as a device auth triple in a TOML file,
default ~/.lobbyctl.toml. The login command creates it.

Usage:
    lobbyctl login [--credentials=<file>] [--platform=<platform>]
        [--device_code]
    lobbyctl run [--credentials=<file>] [--platform=<platform>]
        [--status=<text>]
    lobbyctl friends [--credentials=<file>] [--platform=<platform>]
    lobbyctl device-auths list [--credentials=<file>] [--platform=<platform>]
    lobbyctl device-auths delete <device_id> [--credentials=<file>]
        [--platform=<platform>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --credentials=<file>     Credentials TOML path.
    --platform=<platform>    Platform tag reported to the service [default: WIN].
    --device_code            Prefer the device code flow over a code prompt.
    --status=<text>          Custom status text to publish.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LobbyCtlVersion)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	} else if friends_, _ := opts.Bool("friends"); friends_ {
		friends(opts)
	} else if deviceAuths_, _ := opts.Bool("device-auths"); deviceAuths_ {
		if list_, _ := opts.Bool("list"); list_ {
			listDeviceAuths(opts)
		} else if delete_, _ := opts.Bool("delete"); delete_ {
			deleteDeviceAuth(opts)
		}
	}
}

// credentialsFile is the persisted device auth triple.
type credentialsFile struct {
	DeviceId  string `toml:"device_id"`
	AccountId string `toml:"account_id"`
	Secret    string `toml:"secret"`
}

func credentialsPath(opts docopt.Opts) string {
	if path, err := opts.String("--credentials"); err == nil && path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lobbyctl.toml"
	}
	return filepath.Join(home, ".lobbyctl.toml")
}

func loadCredentials(path string) *credentialsFile {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	credentials := &credentialsFile{}
	if err := toml.Unmarshal(raw, credentials); err != nil {
		Err.Printf("Could not parse %s (%s).", path, err)
		return nil
	}
	return credentials
}

func saveCredentials(path string, info *lobby.DeviceAuthInfo) {
	credentials := &credentialsFile{
		DeviceId:  info.DeviceId,
		AccountId: info.AccountId,
		Secret:    info.Secret,
	}
	raw, err := toml.Marshal(credentials)
	if err != nil {
		Err.Printf("Could not encode credentials (%s).", err)
		return
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		Err.Printf("Could not write %s (%s).", path, err)
		return
	}
	Out.Printf("Saved credentials to %s.", path)
}

func newClient(ctx context.Context, opts docopt.Opts, preferDeviceCode bool) *lobby.Client {
	path := credentialsPath(opts)
	stored := loadCredentials(path)

	options := &lobby.AdvancedAuthOptions{
		EnableDeviceCode: preferDeviceCode,
		OnVerification: func(session *lobby.DeviceCodeSession) {
			Out.Printf("Open %s to authorize this session.", session.VerificationUri)
		},
	}
	if stored != nil {
		options.DeviceId = stored.DeviceId
		options.AccountId = stored.AccountId
		options.Secret = stored.Secret
	}
	// a code prompt needs a terminal to read from
	if term.IsTerminal(int(os.Stdin.Fd())) {
		options.CodeResolver = promptExchangeCode
	} else {
		options.EnableDeviceCode = true
	}

	settings := lobby.DefaultClientSettings()
	if platform, err := opts.String("--platform"); err == nil && platform != "" {
		settings.Platform = platform
	}

	client := lobby.NewClient(
		ctx,
		func(api lobby.Api, bus *lobby.EventBus, authSettings *lobby.AuthSettings) lobby.Auth {
			return lobby.NewAdvancedAuth(api, bus, authSettings, options)
		},
		settings,
	)
	client.Bus().On(lobby.EventDeviceAuthGenerate, func(payload any) {
		if info, ok := payload.(*lobby.DeviceAuthInfo); ok {
			saveCredentials(path, info)
		}
	})
	return client
}

// promptExchangeCode reads the code with the terminal echo off, it is a
// single-use credential.
func promptExchangeCode(ctx context.Context) (string, error) {
	fmt.Print("Exchange code: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// login authenticates once and persists the generated device auth.
func login(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	preferDeviceCode, _ := opts.Bool("--device_code")

	client := newClient(cancelCtx, opts, preferDeviceCode)
	defer client.Close()

	credential, err := client.AuthManager().Authenticate(cancelCtx)
	if err != nil {
		Err.Printf("Login failed (%s).", err)
		os.Exit(1)
	}
	Out.Printf("Logged in as %s (%s).", credential.DisplayName, credential.AccountId)
}

// run brings up a full session and logs activity until interrupted.
func run(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(cancelCtx, opts, false)
	defer client.Close()

	bus := client.Bus()
	bus.On(lobby.EventPartyMemberJoin, func(payload any) {
		if member, ok := payload.(*lobby.PartyMember); ok {
			Out.Printf("%s joined the party.", member.DisplayName())
		}
	})
	bus.On(lobby.EventPartyMemberLeave, func(payload any) {
		if member, ok := payload.(*lobby.PartyMember); ok {
			Out.Printf("%s left the party.", member.DisplayName())
		}
	})
	bus.On(lobby.EventPartyMemberPromote, func(payload any) {
		if promotion, ok := payload.(*lobby.MemberPromotion); ok {
			Out.Printf("%s is now the party leader.", promotion.NewLeader.DisplayName())
		}
	})
	bus.On(lobby.EventPartyInvite, func(payload any) {
		if invite, ok := payload.(*lobby.ReceivedPartyInvite); ok {
			Out.Printf("Party invite from %s, accepting.", invite.SenderId)
			go func() {
				if _, err := invite.Accept(cancelCtx); err != nil {
					Err.Printf("Could not accept invite (%s).", err)
				}
			}()
		}
	})
	bus.On(lobby.EventFriendRequest, func(payload any) {
		if request, ok := payload.(*lobby.PendingFriend); ok {
			Out.Printf("Friend request from %s.", request.Id)
		}
	})

	if status, err := opts.String("--status"); err == nil && status != "" {
		client.SetStatusText(status)
	}

	if err := client.Start(cancelCtx); err != nil {
		Err.Printf("Session failed (%s).", err)
		os.Exit(1)
	}
	Out.Printf("Session ready as %s.", client.DisplayName())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	Out.Printf("Shutting down.")
}

// listDeviceAuths prints every device auth registered on the account.
func listDeviceAuths(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(cancelCtx, opts, false)
	defer client.Close()

	credential, err := client.AuthManager().Authenticate(cancelCtx)
	if err != nil {
		Err.Printf("Login failed (%s).", err)
		os.Exit(1)
	}

	auths, err := client.Api().GetDeviceAuths(cancelCtx, credential.Primary.AccessToken, credential.AccountId)
	if err != nil {
		Err.Printf("Could not list device auths (%s).", err)
		os.Exit(1)
	}
	for _, info := range auths {
		Out.Printf("%s %s", info.DeviceId, info.UserAgent)
	}
}

// deleteDeviceAuth revokes one device auth by id.
func deleteDeviceAuth(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deviceId, err := opts.String("<device_id>")
	if err != nil || deviceId == "" {
		Err.Printf("A device id is required.")
		os.Exit(1)
	}

	client := newClient(cancelCtx, opts, false)
	defer client.Close()

	credential, err := client.AuthManager().Authenticate(cancelCtx)
	if err != nil {
		Err.Printf("Login failed (%s).", err)
		os.Exit(1)
	}

	callback, results := lobby.NewBlockingApiCallback[bool]()
	client.Api().DeleteDeviceAuthAsync(credential.Primary.AccessToken, credential.AccountId, deviceId, callback)
	result := <-results
	if result.Error != nil {
		Err.Printf("Could not delete device auth %s (%s).", deviceId, result.Error)
		os.Exit(1)
	}
	Out.Printf("Deleted device auth %s.", deviceId)
}

// friends prints the roster.
func friends(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(cancelCtx, opts, false)
	defer client.Close()

	if err := client.Start(cancelCtx); err != nil {
		Err.Printf("Session failed (%s).", err)
		os.Exit(1)
	}

	roster := client.Friends()
	for _, friend := range roster.Friends() {
		Out.Printf("%s %s", friend.Id, friend.DisplayName)
	}
	for _, pending := range roster.PendingFriends() {
		Out.Printf("%s (pending %s)", pending.Id, pending.Direction)
	}
}
