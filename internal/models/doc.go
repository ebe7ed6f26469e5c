// Package models defines the core domain models for Farmify settlements.
//
// # Models
//
//   - Project: an agricultural project and its fixed waterfall terms
//   - ContributorShare: one capital contributor's stake in a project
//   - Settlement: the lifecycle of one revenue event, from proof submission
//     to distribution
//   - Distribution / Payout: the computed waterfall lines
//   - TransferReceipt: one recorded transfer attempt
//   - AuditReceipt: a reference to an emitted audit record
//   - User: a registered account with a role and a ledger identity
//
// # State machine
//
//	NoProof -> ProofSubmitted -> Verified -> DistributionInProgress -> DistributionComplete
//	                          \-> Rejected
//
// Rejected and DistributionComplete are terminal. Every other state is
// persisted before the next step starts so work can resume after a crash.
//
// # Design Principles
//
//  1. Every monetary value is a money.Money carrying its asset code
//  2. Relationships use ID strings instead of pointers
//  3. Settlements are append-only: receipts and audit references are only
//     ever added
package models
