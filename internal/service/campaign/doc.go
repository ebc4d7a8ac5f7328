// Package campaign implements the campaign lifecycle: authoring, scheduling,
// the batched send loop, pause/resume/cancel and engagement bookkeeping.
//
// The send loop is not an in-process loop. Each batch is a job that sends one
// chunk of PENDING recipients and enqueues the next batch with a delay, so a
// restart resumes from whatever is still PENDING. Every "next batch" enqueue
// bumps the campaign's batch generation; a job carrying an older generation is
// dropped, and the batch itself runs under a per-campaign distributed lock.
//
// Repository implementations live in repository/postgres/.
package campaign
