package armenc

// ARM instruction field bit positions. These define the A32 encoding
// format shared by the word builders and the rewriting strategies.
const (
	ConditionShift = 28 // bits 31-28: condition code

	OpcodeShift = 21 // bits 24-21: data-processing opcode
	SBitShift   = 20 // bit 20: S bit (set flags)
	RnShift     = 16 // bits 19-16: Rn
	RdShift     = 12 // bits 15-12: Rd

	ImmBitShift = 25 // bit 25: immediate operand flag

	// Load/store single
	PBitShift = 24 // bit 24: pre/post indexing
	UBitShift = 23 // bit 23: add/subtract offset
	BBitShift = 22 // bit 22: byte/word
	WBitShift = 21 // bit 21: writeback
	LBitShift = 20 // bit 20: load/store

	BranchLinkShift = 24 // bit 24: L bit for BL
)

// Data-processing opcodes (bits 24-21).
const (
	OpAND = 0x0
	OpEOR = 0x1
	OpSUB = 0x2
	OpRSB = 0x3
	OpADD = 0x4
	OpADC = 0x5
	OpSBC = 0x6
	OpRSC = 0x7
	OpTST = 0x8
	OpTEQ = 0x9
	OpCMP = 0xA
	OpCMN = 0xB
	OpORR = 0xC
	OpMOV = 0xD
	OpBIC = 0xE
	OpMVN = 0xF
)

// Condition codes (bits 31-28).
const (
	CondEQ = 0x0
	CondNE = 0x1
	CondCS = 0x2
	CondCC = 0x3
	CondMI = 0x4
	CondPL = 0x5
	CondVS = 0x6
	CondVC = 0x7
	CondHI = 0x8
	CondLS = 0x9
	CondGE = 0xA
	CondLT = 0xB
	CondGT = 0xC
	CondLE = 0xD
	CondAL = 0xE
	CondNV = 0xF
)

// Register numbers.
const (
	RegisterSP = 13
	RegisterLR = 14
	RegisterPC = 15
)

// Limits defined by the A32 encoding.
const (
	MaxOffset12Bit     = 4095      // single load/store displacement magnitude
	MaxBranchOffsetPos = 0x7FFFFF  // maximum positive 24-bit word offset
	MinBranchOffsetNeg = -0x800000 // minimum negative 24-bit word offset

	PipelineOffset  = 8 // PC reads as instruction address + 8
	InstructionSize = 4

	Mask4Bit  = 0xF
	Mask8Bit  = 0xFF
	Mask12Bit = 0xFFF
	Mask24Bit = 0xFFFFFF
)
