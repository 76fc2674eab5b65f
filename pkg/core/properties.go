// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Communication properties ("5.2.2 Properties Method")

package core

import (
	"fmt"

	"github.com/open-source-firmware/go-sed-manager/pkg/core/stream"
)

type HostProperties struct {
	MaxMethods               uint
	MaxSubpackets            uint
	MaxPacketSize            uint
	MaxPackets               uint
	MaxComPacketSize         uint
	MaxResponseComPacketSize *uint
	MaxIndTokenSize          uint
	MaxAggTokenSize          uint
	ContinuedTokens          bool
	SequenceNumbers          bool
	AckNak                   bool
	Asynchronous             bool
}

type TPerProperties struct {
	MaxMethods               uint
	MaxSubpackets            uint
	MaxPacketSize            uint
	MaxPackets               uint
	MaxComPacketSize         uint
	MaxResponseComPacketSize *uint
	MaxSessions              *uint
	MaxReadSessions          *uint
	MaxIndTokenSize          uint
	MaxAggTokenSize          uint
	MaxAuthentications       *uint
	MaxTransactionLimit      *uint
	DefSessionTimeout        *uint
	MaxSessionTimeout        *uint
	MinSessionTimeout        *uint
	DefTransTimeout          *uint
	MaxTransTimeout          *uint
	MinTransTimeout          *uint
	MaxComIDTime             *uint
	ContinuedTokens          bool
	SequenceNumbers          bool
	AckNak                   bool
	Asynchronous             bool
}

var (
	// Table 168: "Communications Initial Assumptions"
	InitialTPerProperties = TPerProperties{
		MaxSubpackets:    1,
		MaxPacketSize:    1004,
		MaxPackets:       1,
		MaxComPacketSize: 1024,
		MaxIndTokenSize:  968,
		MaxAggTokenSize:  968,
		MaxMethods:       1,
		ContinuedTokens:  false,
		SequenceNumbers:  false,
		AckNak:           false,
		Asynchronous:     false,
	}
	// Increased to match that one of the highest standard we support
	InitialHostProperties = HostProperties{
		MaxSubpackets:    1,
		MaxPacketSize:    2028,
		MaxPackets:       1,
		MaxComPacketSize: 2048,
		MaxIndTokenSize:  1992,
		MaxAggTokenSize:  1992,
		MaxMethods:       1,
		ContinuedTokens:  false,
		SequenceNumbers:  false,
		AckNak:           false,
		Asynchronous:     false,
	}
)

// EffectiveProperties is the configuration both sides can live with:
// the component-wise minimum of what the host offered and what the
// TPer reported, with the capability bits AND-ed.
func EffectiveProperties(hp *HostProperties, tp *TPerProperties) HostProperties {
	return HostProperties{
		MaxMethods:       min(hp.MaxMethods, tp.MaxMethods),
		MaxSubpackets:    min(hp.MaxSubpackets, tp.MaxSubpackets),
		MaxPacketSize:    min(hp.MaxPacketSize, tp.MaxPacketSize),
		MaxPackets:       min(hp.MaxPackets, tp.MaxPackets),
		MaxComPacketSize: min(hp.MaxComPacketSize, tp.MaxComPacketSize),
		MaxIndTokenSize:  min(hp.MaxIndTokenSize, tp.MaxIndTokenSize),
		MaxAggTokenSize:  min(hp.MaxAggTokenSize, tp.MaxAggTokenSize),
		ContinuedTokens:  hp.ContinuedTokens && tp.ContinuedTokens,
		SequenceNumbers:  hp.SequenceNumbers && tp.SequenceNumbers,
		AckNak:           hp.AckNak && tp.AckNak,
		Asynchronous:     hp.Asynchronous && tp.Asynchronous,
	}
}

func parseNamedUInts(params stream.List, assign func(name string, v uint)) error {
	for _, p := range params {
		n, ok := p.(stream.Named)
		if !ok {
			continue
		}
		name, ok1 := n.Name.([]byte)
		v, ok2 := n.Value.(uint)
		if !ok1 || !ok2 {
			return fmt.Errorf("properties list malformed")
		}
		assign(string(name), v)
	}
	return nil
}

func parseTPerProperties(params stream.List, tp *TPerProperties) error {
	return parseNamedUInts(params, func(name string, v uint) {
		switch name {
		case "MaxMethods":
			tp.MaxMethods = v
		case "MaxSubpackets":
			tp.MaxSubpackets = v
		case "MaxPacketSize":
			tp.MaxPacketSize = v
		case "MaxPackets":
			tp.MaxPackets = v
		case "MaxComPacketSize":
			tp.MaxComPacketSize = v
		case "MaxResponseComPacketSize":
			tp.MaxResponseComPacketSize = &v
		case "MaxSessions":
			tp.MaxSessions = &v
		case "MaxReadSessions":
			tp.MaxReadSessions = &v
		case "MaxIndTokenSize":
			tp.MaxIndTokenSize = v
		case "MaxAggTokenSize":
			tp.MaxAggTokenSize = v
		case "MaxAuthentications":
			tp.MaxAuthentications = &v
		case "MaxTransactionLimit":
			tp.MaxTransactionLimit = &v
		case "DefSessionTimeout":
			tp.DefSessionTimeout = &v
		case "MaxSessionTimeout":
			tp.MaxSessionTimeout = &v
		case "MinSessionTimeout":
			tp.MinSessionTimeout = &v
		case "DefTransTimeout":
			tp.DefTransTimeout = &v
		case "MaxTransTimeout":
			tp.MaxTransTimeout = &v
		case "MinTransTimeout":
			tp.MinTransTimeout = &v
		case "MaxComIDTime":
			tp.MaxComIDTime = &v
		case "ContinuedTokens":
			tp.ContinuedTokens = v > 0
		case "SequenceNumbers":
			tp.SequenceNumbers = v > 0
		case "AckNak":
			tp.AckNak = v > 0
		case "Asynchronous":
			tp.Asynchronous = v > 0
		}
	})
}

func parseHostProperties(params stream.List, hp *HostProperties) error {
	return parseNamedUInts(params, func(name string, v uint) {
		switch name {
		case "MaxMethods":
			hp.MaxMethods = v
		case "MaxSubpackets":
			hp.MaxSubpackets = v
		case "MaxPacketSize":
			hp.MaxPacketSize = v
		case "MaxPackets":
			hp.MaxPackets = v
		case "MaxComPacketSize":
			hp.MaxComPacketSize = v
		case "MaxResponseComPacketSize":
			hp.MaxResponseComPacketSize = &v
		case "MaxIndTokenSize":
			hp.MaxIndTokenSize = v
		case "MaxAggTokenSize":
			hp.MaxAggTokenSize = v
		case "ContinuedTokens":
			hp.ContinuedTokens = v > 0
		case "SequenceNumbers":
			hp.SequenceNumbers = v > 0
		case "AckNak":
			hp.AckNak = v > 0
		case "Asynchronous":
			hp.Asynchronous = v > 0
		}
	})
}
