package initiator

import (
	"crypto/md5"
	"fmt"
	"strconv"
	"strings"

	"iscsiinit/pkg/common"
	"iscsiinit/pkg/config"
	"iscsiinit/pkg/pdu"
)

// LoginStatus is the Login FSM's successful output: the assigned TSIH plus
// the sequence-number state the Pool seeds its counters from, and every
// negotiated key seen across the flow (later values override earlier
// ones, per spec §4.3).
type LoginStatus struct {
	TSIH           uint16
	StatSN         uint32
	ExpCmdSN       uint32
	MaxCmdSN       uint32
	NegotiatedKeys map[string]string
	Digests        DigestSettings
}

// LoginCtx drives the Login FSM to completion over one Connection. It is a
// narrow capability consumer (SendPDU + Submit/Next/Deregister), so it is drivable in
// tests without a real socket (spec §9 "FSM representation").
type LoginCtx struct {
	conn *Connection
	cfg  *config.SessionConfig
	isid uint64
	cid  uint16

	itt   *Counter
	cmdSN *Counter

	keys map[string]string
}

func NewLoginCtx(conn *Connection, cfg *config.SessionConfig, isid uint64, cid uint16, itt, cmdSN *Counter) *LoginCtx {
	return &LoginCtx{conn: conn, cfg: cfg, isid: isid, cid: cid, itt: itt, cmdSN: cmdSN, keys: map[string]string{}}
}

// Execute runs the full Login FSM: Security (if CHAP) then Operational
// Negotiation then Full-Feature, per spec §4.3.
func (l *LoginCtx) Execute() (*LoginStatus, error) {
	var finalResp *pdu.PDU
	var err error

	if l.cfg.Login.Auth.IsChap() {
		finalResp, err = l.runChap()
	} else {
		finalResp, err = l.runPlain()
	}
	if err != nil {
		return nil, err
	}

	if finalResp.TSIH == 0 {
		return nil, common.NewError(common.KindProtocolError, "TSIH=0 in final Login Response")
	}
	status := &LoginStatus{
		TSIH:           finalResp.TSIH,
		StatSN:         finalResp.StatSN,
		ExpCmdSN:       finalResp.ExpCmdSN,
		MaxCmdSN:       finalResp.MaxCmdSN,
		NegotiatedKeys: l.keys,
		Digests: DigestSettings{
			HeaderDigest: strings.EqualFold(l.keys["HeaderDigest"], "CRC32C"),
			DataDigest:   strings.EqualFold(l.keys["DataDigest"], "CRC32C"),
		},
	}
	return status, nil
}

// runPlain implements the one-round-trip plain login (spec §4.3 "Plain
// login"): CSG=Operational, NSG=FullFeature, T=1 in a single PDU.
func (l *LoginCtx) runPlain() (*pdu.PDU, error) {
	keys := pdu.NewKeyValueList()
	id := l.cfg.Login.Identity
	keys.Add("InitiatorName", id.InitiatorName)
	if id.InitiatorAlias != "" {
		keys.Add("InitiatorAlias", id.InitiatorAlias)
	}
	keys.Add("SessionType", id.SessionType.String())
	if id.SessionType == config.SessionTypeNormal {
		keys.Add("TargetName", id.TargetName)
	}
	l.addOperationalKeys(keys)

	req := &pdu.PDU{
		OpCode:           pdu.OpLoginReq,
		Transit:          true,
		CurrentStage:     pdu.StageOperationalNegotiation,
		NextStage:        pdu.StageFullFeaturePhase,
		ISID:             l.isid,
		CID:              l.cid,
		InitiatorTaskTag: NextITT(l.itt),
		CmdSN:            l.cmdSN.FetchAdd(1),
		RawData:          keys.Encode(),
	}
	return l.roundTrip(req)
}

// runChap implements the four-exchange CHAP login (spec §4.3 "CHAP
// login"), grounded in the original initiator's login_chap.rs state
// sequence: ChapSecurity -> ChapA -> ChapAnswer -> ChapOpToFull.
func (l *LoginCtx) runChap() (*pdu.PDU, error) {
	id := l.cfg.Login.Identity
	chap := l.cfg.Login.Auth.Chap

	// Step 1: InitiatorName/TargetName/AuthMethod.
	keys1 := pdu.NewKeyValueList()
	keys1.Add("InitiatorName", id.InitiatorName)
	if id.InitiatorAlias != "" {
		keys1.Add("InitiatorAlias", id.InitiatorAlias)
	}
	keys1.Add("SessionType", id.SessionType.String())
	if id.SessionType == config.SessionTypeNormal {
		keys1.Add("TargetName", id.TargetName)
	}
	keys1.Add("AuthMethod", "CHAP,None")
	resp1, err := l.roundTrip(&pdu.PDU{
		OpCode:           pdu.OpLoginReq,
		CurrentStage:     pdu.StageSecurityNegotiation,
		NextStage:        pdu.StageSecurityNegotiation,
		ISID:             l.isid,
		CID:              l.cid,
		InitiatorTaskTag: NextITT(l.itt),
		CmdSN:            l.cmdSN.FetchAdd(1),
		RawData:          keys1.Encode(),
	})
	if err != nil {
		return nil, err
	}
	if resp1.StatusClass != 0 {
		return nil, common.LoginRejectedError(resp1.StatusClass, resp1.StatusDetail)
	}

	// Step 2: CHAP_A=5 (MD5).
	keys2 := pdu.NewKeyValueList().Add("CHAP_A", "5")
	resp2, err := l.roundTrip(&pdu.PDU{
		OpCode:           pdu.OpLoginReq,
		CurrentStage:     pdu.StageSecurityNegotiation,
		NextStage:        pdu.StageSecurityNegotiation,
		ISID:             l.isid,
		CID:              l.cid,
		InitiatorTaskTag: NextITT(l.itt),
		CmdSN:            l.cmdSN.FetchAdd(1),
		RawData:          keys2.Encode(),
	})
	if err != nil {
		return nil, err
	}
	if resp2.StatusClass != 0 {
		return nil, common.LoginRejectedError(resp2.StatusClass, resp2.StatusDetail)
	}

	// Step 3: parse CHAP_I/CHAP_C, compute and send CHAP_N/CHAP_R.
	chapI, chapC, err := parseChapChallenge(l.keys)
	if err != nil {
		return nil, common.WrapError(common.KindProtocolError, "malformed CHAP challenge", err)
	}
	chapR := calcChapRHex(chapI, chap.Secret, chapC)
	keys3 := pdu.NewKeyValueList().Add("CHAP_N", chap.Username).Add("CHAP_R", chapR)
	resp3, err := l.roundTrip(&pdu.PDU{
		OpCode:           pdu.OpLoginReq,
		Transit:          true,
		CurrentStage:     pdu.StageSecurityNegotiation,
		NextStage:        pdu.StageOperationalNegotiation,
		ISID:             l.isid,
		CID:              l.cid,
		InitiatorTaskTag: NextITT(l.itt),
		CmdSN:            l.cmdSN.FetchAdd(1),
		RawData:          keys3.Encode(),
	})
	if err != nil {
		return nil, err
	}
	if resp3.StatusClass != 0 {
		return nil, common.LoginRejectedError(resp3.StatusClass, resp3.StatusDetail)
	}

	// Step 4: Operational Negotiation -> Full-Feature.
	keys4 := pdu.NewKeyValueList()
	l.addOperationalKeys(keys4)
	resp4, err := l.roundTrip(&pdu.PDU{
		OpCode:           pdu.OpLoginReq,
		Transit:          true,
		CurrentStage:     pdu.StageOperationalNegotiation,
		NextStage:        pdu.StageFullFeaturePhase,
		ISID:             l.isid,
		CID:              l.cid,
		InitiatorTaskTag: NextITT(l.itt),
		CmdSN:            l.cmdSN.FetchAdd(1),
		RawData:          keys4.Encode(),
	})
	if err != nil {
		return nil, err
	}
	if resp4.StatusClass != 0 {
		return nil, common.LoginRejectedError(resp4.StatusClass, resp4.StatusDetail)
	}
	return resp4, nil
}

func (l *LoginCtx) addOperationalKeys(keys *pdu.KeyValueList) {
	n := l.cfg.Login
	keys.Add("HeaderDigest", n.Integrity.HeaderDigest.String())
	keys.Add("DataDigest", n.Integrity.DataDigest.String())
	keys.Add("MaxRecvDataSegmentLength", strconv.FormatUint(uint64(n.Flow.MaxRecvDataSegmentLength), 10))
	keys.Add("MaxBurstLength", strconv.FormatUint(uint64(n.Flow.MaxBurstLength), 10))
	keys.Add("FirstBurstLength", strconv.FormatUint(uint64(n.Flow.FirstBurstLength), 10))
	keys.Add("ImmediateData", yesNo(n.WriteFlow.ImmediateData))
	keys.Add("InitialR2T", yesNo(n.WriteFlow.InitialR2T))
	keys.Add("MaxOutstandingR2T", strconv.FormatUint(uint64(n.WriteFlow.MaxOutstandingR2T), 10))
	keys.Add("DataPDUInOrder", yesNo(n.Ordering.DataPDUInOrder))
	keys.Add("DataSequenceInOrder", yesNo(n.Ordering.DataSequenceInOrder))
	keys.Add("ErrorRecoveryLevel", strconv.FormatUint(uint64(n.Recovery.ErrorRecoveryLevel), 10))
	keys.Add("MaxConnections", strconv.FormatUint(uint64(n.Limits.MaxConnections), 10))
	for k, v := range n.Extensions.Custom {
		keys.Add(k, v)
	}
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// roundTrip sends req and awaits the single Login Response that answers
// it. Login is strictly one-response-per-request: a non-Transit response
// means negotiation continues, not that further PDUs are coming for this
// same task, so this reads exactly one event rather than ranging until the
// task's completion channel closes (which only happens on a Transit=1
// response, per IsFinalForITT's table), deregistering the slot itself
// either way.
func (l *LoginCtx) roundTrip(req *pdu.PDU) (*pdu.PDU, error) {
	task := l.conn.Submit(req.InitiatorTaskTag)
	defer l.conn.Deregister(req.InitiatorTaskTag)
	if err := l.conn.SendPDU(req); err != nil {
		return nil, err
	}
	p, err, ok := Next(task)
	if !ok {
		return nil, common.NewError(common.KindConnectionClosed, "connection closed before Login Response arrived")
	}
	if err != nil {
		return nil, err
	}
	if p.OpCode != pdu.OpLoginResp {
		return nil, common.NewError(common.KindProtocolError, fmt.Sprintf("expected Login Response, got %v", p.OpCode))
	}
	for k, v := range pdu.ParseKeyValues(p.RawData) {
		l.keys[k] = v
	}
	return p, nil
}

// calcChapRHex computes CHAP_R = MD5(id || secret || challenge), encoded
// as uppercase hex with a "0x" prefix, exactly as spec scenario S1
// specifies and as the original initiator's calc_chap_r_hex does.
func calcChapRHex(id uint8, secret string, challenge []byte) string {
	h := md5.New()
	h.Write([]byte{id})
	h.Write([]byte(secret))
	h.Write(challenge)
	sum := h.Sum(nil)
	return "0x" + strings.ToUpper(fmt.Sprintf("%x", sum))
}

// parseChapChallenge reads CHAP_I (one octet, decimal or 0x-prefixed hex)
// and CHAP_C (hex-encoded, optional 0x/0X prefix) from the accumulated
// negotiated keys.
func parseChapChallenge(keys map[string]string) (uint8, []byte, error) {
	iStr, ok := keys["CHAP_I"]
	if !ok {
		return 0, nil, fmt.Errorf("missing CHAP_I")
	}
	id, err := parseChapOctet(iStr)
	if err != nil {
		return 0, nil, err
	}
	cStr, ok := keys["CHAP_C"]
	if !ok {
		return 0, nil, fmt.Errorf("missing CHAP_C")
	}
	challenge, err := parseChapHex(cStr)
	if err != nil {
		return 0, nil, err
	}
	return id, challenge, nil
}

func parseChapOctet(s string) (uint8, error) {
	trimmed := stripHexPrefix(s)
	if trimmed != s {
		v, err := strconv.ParseUint(trimmed, 16, 8)
		if err != nil {
			return 0, err
		}
		return uint8(v), nil
	}
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, err
	}
	return uint8(v), nil
}

func parseChapHex(s string) ([]byte, error) {
	hexStr := stripHexPrefix(s)
	if len(hexStr)%2 != 0 {
		hexStr = "0" + hexStr
	}
	out := make([]byte, len(hexStr)/2)
	for i := 0; i < len(out); i++ {
		v, err := strconv.ParseUint(hexStr[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}

func stripHexPrefix(s string) string {
	if len(s) >= 2 && (s[0:2] == "0x" || s[0:2] == "0X") {
		return s[2:]
	}
	return s
}
