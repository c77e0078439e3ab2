package collector

import "testing"

func TestChannelName_QuirkOff(t *testing.T) {
	v := &VenueC{cfg: Config{ChannelPrefixQuirk: false}}
	got := v.channelName("BTC_USDT")
	want := "orderbook:BTC_USDT"
	if got != want {
		t.Fatalf("channelName() = %q, want %q", got, want)
	}
}

func TestChannelName_QuirkOn(t *testing.T) {
	v := &VenueC{cfg: Config{ChannelPrefixQuirk: true}}
	got := v.channelName("BTC_USDT")
	want := channelPrefixQuirk + "orderbook:BTC_USDT"
	if got != want {
		t.Fatalf("channelName() = %q, want %q", got, want)
	}
}

func TestPairIDFromChannel_StripsPrefix(t *testing.T) {
	if got := pairIDFromChannel("orderbook:BTC_USDT"); got != "BTC_USDT" {
		t.Fatalf("pairIDFromChannel() = %q, want %q", got, "BTC_USDT")
	}
	if got := pairIDFromChannel(channelPrefixQuirk + "orderbook:BTC_USDT"); got != "BTC_USDT" {
		t.Fatalf("pairIDFromChannel() with quirk prefix = %q, want %q", got, "BTC_USDT")
	}
}

func TestIsEmptyFrame(t *testing.T) {
	cases := map[string]bool{
		"{}":     true,
		" {} ":   true,
		"{\n}\n": true,
		`{"id":1}`: false,
		"":       false,
	}
	for input, want := range cases {
		if got := isEmptyFrame([]byte(input)); got != want {
			t.Fatalf("isEmptyFrame(%q) = %v, want %v", input, got, want)
		}
	}
}
