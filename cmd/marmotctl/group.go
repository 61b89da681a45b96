package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"

	"github.com/parres-hq/marmot-go/internal/codec"
	"github.com/parres-hq/marmot-go/internal/mls"
	"github.com/parres-hq/marmot-go/internal/nostr"
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Create, join, and use MLS groups",
}

var (
	groupName  string
	groupDesc  string
	groupAdmin []string
)

var groupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Found a new group with the local identity as its sole member",
	RunE: func(cmd *cobra.Command, args []string) error {
		relays := a.cfg.Relays.Default
		pubkeyHex, err := a.signer.GetPublicKey(cmd.Context())
		if err != nil {
			return fmt.Errorf("resolve identity pubkey: %w", err)
		}

		var nostrGroupID [32]byte
		if _, err := rand.Read(nostrGroupID[:]); err != nil {
			return fmt.Errorf("generate group id: %w", err)
		}

		adminPub, err := adminPubkeys(pubkeyHex, groupAdmin)
		if err != nil {
			return err
		}

		groupData := mls.MarmotGroupData{
			Version:      1,
			NostrGroupID: nostrGroupID,
			Name:         groupName,
			Description:  groupDesc,
			AdminPubkeys: adminPub,
			Relays:       relays,
		}

		g, err := a.client.CreateGroup(cmd.Context(), nostrGroupID[:], groupData)
		if err != nil {
			return fmt.Errorf("create group: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created group %x (epoch %d, %d member(s))\n", g.GroupID(), g.Epoch(), g.MemberCount())
		return nil
	},
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List locally persisted groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := a.client.ListGroups(cmd.Context())
		if err != nil {
			return fmt.Errorf("list groups: %w", err)
		}
		if len(ids) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "(none)")
			return nil
		}
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

var groupSendCmd = &cobra.Command{
	Use:   "send <group-id-hex> <message>",
	Short: "Send an application message to a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID, err := hex.DecodeString(args[0])
		if err != nil {
			return fmt.Errorf("decode group id: %w", err)
		}
		g, err := a.client.GetGroup(cmd.Context(), groupID, a.signingK)
		if err != nil {
			return fmt.Errorf("load group: %w", err)
		}
		if err := g.SendApplication(cmd.Context(), []byte(args[1])); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "sent")
		return nil
	},
}

var groupIngestCmd = &cobra.Command{
	Use:   "sync <group-id-hex>",
	Short: "Fetch the last week's group events from the default relays and apply them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID, err := hex.DecodeString(args[0])
		if err != nil {
			return fmt.Errorf("decode group id: %w", err)
		}
		g, err := a.client.GetGroup(cmd.Context(), groupID, a.signingK)
		if err != nil {
			return fmt.Errorf("load group: %w", err)
		}

		relays := a.cfg.Relays.Default
		events, err := a.network.Request(cmd.Context(), relays, nostr.Filter{
			Kinds: []int{nostr.KindGroupMessage},
			Since: timestampPtr(time.Now().Add(-7 * 24 * time.Hour)),
		})
		if err != nil {
			return fmt.Errorf("fetch group events: %w", err)
		}

		applications, err := g.Ingest(cmd.Context(), events)
		if err != nil {
			return fmt.Errorf("ingest group events: %w", err)
		}
		for _, app := range applications {
			fmt.Fprintln(cmd.OutOrStdout(), string(app))
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "epoch now %d, %d member(s)\n", g.Epoch(), g.MemberCount())
		return nil
	},
}

var groupInviteCmd = &cobra.Command{
	Use:   "invite <group-id-hex> <key-package-event-id>",
	Short: "Fetch a key package event by id and commit adding its owner",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID, err := hex.DecodeString(args[0])
		if err != nil {
			return fmt.Errorf("decode group id: %w", err)
		}
		g, err := a.client.GetGroup(cmd.Context(), groupID, a.signingK)
		if err != nil {
			return fmt.Errorf("load group: %w", err)
		}

		relays := a.cfg.Relays.KeyPackage
		if len(relays) == 0 {
			relays = a.cfg.Relays.Default
		}
		events, err := a.network.Request(cmd.Context(), relays, nostr.Filter{
			IDs:   []string{args[1]},
			Kinds: []int{nostr.KindKeyPackage},
		})
		if err != nil {
			return fmt.Errorf("fetch key package: %w", err)
		}
		if len(events) == 0 {
			return fmt.Errorf("no key package event found for id %s", args[1])
		}
		parsed, err := codec.ParseKeyPackageEvent(events[0])
		if err != nil {
			return fmt.Errorf("parse key package: %w", err)
		}

		pubkeyHex, err := a.signer.GetPublicKey(cmd.Context())
		if err != nil {
			return fmt.Errorf("resolve identity pubkey: %w", err)
		}
		if err := g.Commit(cmd.Context(), pubkeyHex, []mls.Proposal{{Type: mls.ProposalAdd, KeyPackage: &parsed.Public}}); err != nil {
			return fmt.Errorf("commit add proposal: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "invited")
		return nil
	},
}

var groupJoinCmd = &cobra.Command{
	Use:   "join <gift-wrap-event-id>",
	Short: "Fetch a gift-wrapped welcome by event id and join the group it carries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		relays := a.cfg.Relays.Default
		events, err := a.network.Request(cmd.Context(), relays, nostr.Filter{
			IDs:   []string{args[0]},
			Kinds: []int{nostr.KindGiftWrap},
		})
		if err != nil {
			return fmt.Errorf("fetch gift wrap: %w", err)
		}
		if len(events) == 0 {
			return fmt.Errorf("no gift wrap event found for id %s", args[0])
		}

		w, _, _, err := a.client.ReceiveWelcome(cmd.Context(), events[0])
		if err != nil {
			return fmt.Errorf("unwrap welcome: %w", err)
		}
		ref, err := a.client.FindKeyPackageRef(cmd.Context(), w)
		if err != nil {
			return fmt.Errorf("resolve key package for welcome: %w", err)
		}
		g, err := a.client.JoinGroup(cmd.Context(), w, ref)
		if err != nil {
			return fmt.Errorf("join group: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "joined group %x (epoch %d, %d member(s))\n", g.GroupID(), g.Epoch(), g.MemberCount())
		return nil
	},
}

func adminPubkeys(founderPubkeyHex string, extra []string) ([][32]byte, error) {
	all := append([]string{founderPubkeyHex}, extra...)
	out := make([][32]byte, 0, len(all))
	seen := make(map[string]bool, len(all))
	for _, pk := range all {
		if seen[pk] {
			continue
		}
		seen[pk] = true
		raw, err := hex.DecodeString(pk)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("invalid admin pubkey %q", pk)
		}
		var arr [32]byte
		copy(arr[:], raw)
		out = append(out, arr)
	}
	return out, nil
}

func timestampPtr(t time.Time) *gonostr.Timestamp {
	ts := gonostr.Timestamp(t.Unix())
	return &ts
}

func init() {
	groupCreateCmd.Flags().StringVar(&groupName, "name", "", "group display name")
	groupCreateCmd.Flags().StringVar(&groupDesc, "description", "", "group description")
	groupCreateCmd.Flags().StringSliceVar(&groupAdmin, "admin", nil, "additional admin pubkeys (hex), beyond the founder")

	groupCmd.AddCommand(groupCreateCmd, groupListCmd, groupSendCmd, groupIngestCmd, groupInviteCmd, groupJoinCmd)
	rootCmd.AddCommand(groupCmd)
}
