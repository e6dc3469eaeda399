package store

import "strconv"

// Key layout. Every persisted structure is listed here so the logical schema
// lives in one place.

func (s *Store) AgentKey(addr string) string { return s.Key("agent", addr) }
func (s *Store) AgentsKey() string { return s.Key("agents") }
func (s *Store) LeaderboardKey() string { return s.Key("leaderboard") }
func (s *Store) EntryTxKey(txHash string) string { return s.Key("registry", "entry_tx", txHash) }
func (s *Store) AgentRewardsKey(addr string) string { return s.Key("agent", addr, "rewards") }

func (s *Store) LedgerEventsKey() string { return s.Key("ledger", "events") }
func (s *Store) AppliedKey(idemKey string) string { return s.Key("ledger", "applied", idemKey) }
func (s *Store) PendingKey(idemKey string) string { return s.Key("ledger", "pending", idemKey) }

func (s *Store) ProposalKey(id string) string { return s.Key("gov", "proposal", id) }
func (s *Store) ProposalsKey() string { return s.Key("gov", "proposals") }
func (s *Store) VoteKey(id, voter string) string { return s.Key("gov", "proposal", id, "vote", voter) }
func (s *Store) VotersKey(id string) string { return s.Key("gov", "proposal", id, "voters") }

func (s *Store) RoundSeqKey() string { return s.Key("lottery", "round_seq") }
func (s *Store) CurrentRoundKey() string { return s.Key("lottery", "current") }
func (s *Store) RoundKey(id int64) string { return s.Key("lottery", "round", strconv.FormatInt(id, 10)) }
func (s *Store) RoundSoldKey(id int64) string { return s.RoundKey(id) + ":sold" }
func (s *Store) RoundTicketsKey(id int64) string { return s.RoundKey(id) + ":tickets" }
func (s *Store) RoundEntrantsKey(id int64) string { return s.RoundKey(id) + ":entrants" }

func (s *Store) AppreciationKey(observer string) string { return s.Key("memory", observer, "appreciation") }
func (s *Store) BreedingHistoryKey(pair string) string { return s.Key("breeding", "history", pair) }

func (s *Store) RateKey(bucket string) string { return s.Key("ratelimit", bucket) }

// Agent hash fields written by more than one engine.
const (
	FieldTotalRewards = "total_rewards"
	FieldTotalActions = "total_actions"
	FieldLastActionAt = "last_action_at"
)
