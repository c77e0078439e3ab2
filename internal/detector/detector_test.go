package detector

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketwatch/internal/model"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func quote(bid, bidVol, ask, askVol string) model.Quote {
	return model.Quote{
		BidPrice:  dec(bid),
		BidVolume: dec(bidVol),
		AskPrice:  dec(ask),
		AskVolume: dec(askVol),
		Timestamp: time.Now(),
	}
}

func TestCrossCheck_SingleOpportunity(t *testing.T) {
	a := quote("2000", "10", "2001", "10")
	b := quote("2010", "5", "2011", "5")

	opp := crossCheck("ETH/USDT", "A", a, "B", b, dec("0.1"))
	if opp == nil {
		t.Fatal("expected an opportunity, got nil")
	}
	if !opp.BuyPrice.Equal(dec("2001")) || !opp.SellPrice.Equal(dec("2010")) {
		t.Fatalf("unexpected prices: buy=%s sell=%s", opp.BuyPrice, opp.SellPrice)
	}
	if !opp.TradeVolume.Equal(dec("5")) {
		t.Fatalf("trade_volume = %s, want 5", opp.TradeVolume)
	}
	wantProfit := dec("2010").Sub(dec("2001")).Div(dec("2001")).Mul(decimal.NewFromInt(100))
	if !opp.ProfitPercentage.Round(4).Equal(wantProfit.Round(4)) {
		t.Fatalf("profit_percentage = %s, want ~%s", opp.ProfitPercentage, wantProfit)
	}
}

func TestCrossCheck_SymmetricDirectionIsNil(t *testing.T) {
	a := quote("2000", "10", "2001", "10")
	b := quote("2010", "5", "2011", "5")

	if opp := crossCheck("ETH/USDT", "B", b, "A", a, dec("0.1")); opp != nil {
		t.Fatalf("expected no opportunity buying on B selling on A, got %+v", opp)
	}
}

func TestCrossCheck_BelowMinProfitIsNil(t *testing.T) {
	a := quote("2000", "10", "2001", "10")
	b := quote("2002", "5", "2003", "5")

	if opp := crossCheck("ETH/USDT", "A", a, "B", b, dec("5")); opp != nil {
		t.Fatalf("expected no opportunity below min profit, got %+v", opp)
	}
}

func TestCrossCheck_ThirdExchangeWiderEdge(t *testing.T) {
	a := quote("2000", "10", "2001", "10")
	c := quote("2050", "3", "2060", "3")

	opp := crossCheck("ETH/USDT", "A", a, "C", c, dec("0.1"))
	if opp == nil {
		t.Fatal("expected an opportunity")
	}
	if !opp.TradeVolume.Equal(dec("3")) {
		t.Fatalf("trade_volume = %s, want 3", opp.TradeVolume)
	}
	if opp.ProfitPercentage.LessThan(dec("2")) {
		t.Fatalf("profit_percentage = %s, want >= ~2.45", opp.ProfitPercentage)
	}
}

func TestCrossCheck_FingerprintStableAcrossRepeats(t *testing.T) {
	a := quote("2000", "10", "2001", "10")
	b := quote("2010", "5", "2011", "5")

	first := crossCheck("ETH/USDT", "A", a, "B", b, dec("0.1"))
	second := crossCheck("ETH/USDT", "A", a, "B", b, dec("0.1"))
	if first.Fingerprint != second.Fingerprint {
		t.Fatalf("fingerprints differ across identical inputs: %q vs %q", first.Fingerprint, second.Fingerprint)
	}
}
