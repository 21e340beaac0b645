package milter

import "fmt"

// negotiate validates the MTA's OptionsNegotiate command against what this
// runtime requires (want) and, if satisfiable, returns the decoded
// MtaCapabilities alongside the negotiated OptAction/OptProtocol contract
// that governs the rest of the session. The negotiated contract is always a
// subset of both what was requested and what the MTA offered.
func negotiate(cmd *OptionsNegotiate, want ProtocolFlags) (MtaCapabilities, OptAction, OptProtocol, error) {
	if cmd.Version != MilterVersion {
		return MtaCapabilities{}, 0, 0, fmt.Errorf("milter: negotiate: unsupported protocol version %d, want %d", cmd.Version, MilterVersion)
	}
	mtaActions := cmd.Actions
	mtaProtocol := cmd.Protocol & allProtocolFlagsMask
	mta := decodeMtaCapabilities(mtaActions, mtaProtocol)

	wantActions := want.actions()
	wantProtocol := want.protocol()
	if wantActions&mtaActions != wantActions {
		return mta, 0, 0, fmt.Errorf("milter: negotiate: MTA does not offer required actions: offered %#x, requested %#x", uint32(mtaActions), uint32(wantActions))
	}
	if wantProtocol&mtaProtocol != wantProtocol {
		return mta, 0, 0, fmt.Errorf("milter: negotiate: MTA does not offer required protocol options: offered %#x, requested %#x", uint32(mtaProtocol), uint32(wantProtocol))
	}
	return mta, wantActions & mtaActions, wantProtocol & mtaProtocol, nil
}

// buildNegotiateResponse assembles the OptionsNegotiateResponse to send back
// for the negotiated actions/protocol and the per-stage macros the
// application asked to be sent.
func buildNegotiateResponse(actions OptAction, protocol OptProtocol, macroRequests macroRequests) *OptionsNegotiateResponse {
	if actions&OptSetMacros == 0 {
		macroRequests = nil
	}
	return &OptionsNegotiateResponse{
		Version:       MilterVersion,
		Actions:       actions,
		Protocol:      protocol,
		MacroRequests: macroRequests,
	}
}
