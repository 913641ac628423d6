package main

import "testing"

func TestEventsCmdStreamsSampleEvents(t *testing.T) {
	if err := eventsCmd.RunE(eventsCmd, []string{"tank"}); err != nil {
		t.Fatalf("events: %v", err)
	}
}
