package cursor

import (
	"fmt"
	"testing"
)

// benchmarkTokens returns tokens for targeted benchmarking
func benchmarkTokens() map[string]Token {
	wide := Token{Generation: 100, Merge: true, High: 1 << 60}
	for i := 0; i < 64; i++ {
		wide.Subs = append(wide.Subs, Sub{
			Partition: 0,
			LastSeq:   1 << 40,
			LastID:    fmt.Sprintf("document-%06d", i),
		})
	}

	return map[string]Token{
		"SingleSub": {
			Generation: 1,
			Subs:       []Sub{{Partition: 1, LastSeq: 42, LastID: "doc-42"}},
		},
		"MergeFourSubs": {
			Generation: 7,
			Merge:      true,
			Subs: []Sub{
				{Partition: 1, LastSeq: 10, LastID: "a"},
				{Partition: 2, LastSeq: 20, LastID: "b"},
				{Partition: 3, LastSeq: 30, LastID: "c"},
				{Partition: 4, LastSeq: 40, LastID: "d"},
			},
		},
		"WideFanOut": wide,
	}
}

func BenchmarkEncode(b *testing.B) {
	for codecName, factory := range testCodecs {
		codec := factory()
		for tokenName, token := range benchmarkTokens() {
			b.Run(codecName+"/"+tokenName, func(b *testing.B) {
				b.ReportAllocs()
				for i := 0; i < b.N; i++ {
					if _, err := codec.Encode(token); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}

func BenchmarkDecode(b *testing.B) {
	for codecName, factory := range testCodecs {
		codec := factory()
		for tokenName, token := range benchmarkTokens() {
			data, err := codec.Encode(token)
			if err != nil {
				b.Fatal(err)
			}
			b.Run(codecName+"/"+tokenName, func(b *testing.B) {
				b.ReportAllocs()
				var out Token
				for i := 0; i < b.N; i++ {
					if err := codec.Decode(data, &out); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}
