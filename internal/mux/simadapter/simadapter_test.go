package simadapter

import (
	"context"
	"testing"

	"github.com/Dicklesworthstone/frankenterm/internal/mux"
	"github.com/Dicklesworthstone/frankenterm/internal/ferr"
)

func TestListPanesReflectsAddedPanes(t *testing.T) {
	a := New()
	id := a.AddPane("shell", "tmux", "/home/op")

	ctx := context.Background()
	panes, err := a.ListPanes(ctx)
	if err != nil {
		t.Fatalf("ListPanes: %v", err)
	}
	if len(panes) != 1 || panes[0].PaneID != id {
		t.Fatalf("expected single pane %d, got %+v", id, panes)
	}
}

func TestGetTextReturnsFedContent(t *testing.T) {
	a := New()
	id := a.AddPane("shell", "tmux", "/home/op")
	a.Feed(id, []byte("$ echo hi\nhi\n"))

	ctx := context.Background()
	buf, err := a.GetText(ctx, id, mux.ModeScrollbackNLines, 100)
	if err != nil {
		t.Fatalf("GetText: %v", err)
	}
	if string(buf) != "$ echo hi\nhi\n" {
		t.Fatalf("unexpected buffer: %q", buf)
	}
}

func TestGetTextUnknownPaneIsNotFound(t *testing.T) {
	a := New()
	ctx := context.Background()
	_, err := a.GetText(ctx, 999, mux.ModeViewport, 10)
	if err == nil {
		t.Fatal("expected NotFound error, got nil")
	}
	fe, ok := err.(*ferr.Error)
	if !ok || fe.Category != ferr.NotFound {
		t.Fatalf("expected NotFound category, got %v", err)
	}
}

func TestSendTextRejectsClosedPane(t *testing.T) {
	a := New()
	id := a.AddPane("shell", "tmux", "/home/op")
	a.ClosePane(id)

	ctx := context.Background()
	if err := a.SendText(ctx, id, []byte("ls\n"), mux.PasteModeBracketed); err == nil {
		t.Fatal("expected error sending to closed pane, got nil")
	}
}

func TestBackendUnavailableAffectsAllOperations(t *testing.T) {
	a := New()
	id := a.AddPane("shell", "tmux", "/home/op")
	a.SetUnavailable(true)

	ctx := context.Background()
	if _, err := a.ListPanes(ctx); err == nil {
		t.Fatal("expected error from ListPanes while unavailable")
	}
	if _, err := a.GetText(ctx, id, mux.ModeViewport, 10); err == nil {
		t.Fatal("expected error from GetText while unavailable")
	}
	if err := a.SendText(ctx, id, []byte("x"), mux.PasteModeBracketed); err == nil {
		t.Fatal("expected error from SendText while unavailable")
	}
}

func TestTruncateScrollbackSimulatesOverlapLoss(t *testing.T) {
	a := New()
	id := a.AddPane("shell", "tmux", "/home/op")
	a.Feed(id, []byte("aaaaaaaaaabbbbbbbbbb"))
	a.TruncateScrollback(id, 5)

	ctx := context.Background()
	buf, err := a.GetText(ctx, id, mux.ModeViewport, 10)
	if err != nil {
		t.Fatalf("GetText: %v", err)
	}
	if string(buf) != "bbbbb" {
		t.Fatalf("expected trailing 5 bytes, got %q", buf)
	}
}
