package wire

import (
	"encoding/json"
	"testing"

	"github.com/dreamware/quarkmaster/internal/cluster"
)

func TestEcoInfoJSONRoundTrip(t *testing.T) {
	want := EcoInfo{
		Branch:                           cluster.NewBranch(4, 1),
		Height:                           10,
		Difficulty:                       2,
		CoinbaseAmount:                   30,
		UnconfirmedHeadersCoinbaseAmount: 100,
	}
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got EcoInfo
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != want {
		t.Errorf("round-tripped EcoInfo = %+v, want %+v", got, want)
	}
}

func TestConnectToSlavesResultEmptyMeansSuccess(t *testing.T) {
	res := ConnectToSlavesResult{Results: []string{"", "timeout", ""}}
	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded ConnectToSlavesResult
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(decoded.Results) != 3 || decoded.Results[0] != "" || decoded.Results[1] != "timeout" {
		t.Errorf("decoded = %+v, want %+v", decoded, res)
	}
}
