// Package chain signs and submits transactions against the CouponNFT
// contract with a server-held key.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrTxReverted     = errors.New("transaction reverted")
	ErrNoTokenID      = errors.New("transfer event not found in receipt")
)

// TxState is what the node reports for a transaction broadcast earlier.
type TxState string

const (
	TxConfirmed TxState = "confirmed"
	TxReverted  TxState = "reverted"
	TxPending   TxState = "pending"
	TxMissing   TxState = "missing"
)

const couponNFTABI = `[
	{"type":"function","name":"mintCoupon","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"couponCode","type":"string"},{"name":"tokenURI","type":"string"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"mintReceipt","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"billNo","type":"string"},{"name":"payload","type":"string"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"Transfer","anonymous":false,
	 "inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"tokenId","type":"uint256","indexed":true}]}
]`

const transferGasLimit = 21000

type Config struct {
	RPCURL          string
	PrivateKeyHex   string
	ChainID         int64
	ContractAddress string
	TxTimeout       time.Duration
}

type Client struct {
	eth          *ethclient.Client
	key          *ecdsa.PrivateKey
	from         common.Address
	chainID      *big.Int
	contractAddr common.Address
	contractABI  abi.ABI
	contract     *bind.BoundContract
	txTimeout    time.Duration
	logger       *zap.Logger

	// one signer, one nonce stream
	sendMu sync.Mutex
}

func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("%w: contract %q", ErrInvalidAddress, cfg.ContractAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	parsed, err := ParseABI()
	if err != nil {
		return nil, err
	}

	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID <= 0 {
		chainID, err = eth.ChainID(ctx)
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("read chain id: %w", err)
		}
	}

	timeout := cfg.TxTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	contractAddr := common.HexToAddress(cfg.ContractAddress)
	return &Client{
		eth:          eth,
		key:          key,
		from:         crypto.PubkeyToAddress(key.PublicKey),
		chainID:      chainID,
		contractAddr: contractAddr,
		contractABI:  parsed,
		contract:     bind.NewBoundContract(contractAddr, parsed, eth, eth, eth),
		txTimeout:    timeout,
		logger:       logger,
	}, nil
}

func ParseABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(couponNFTABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse contract abi: %w", err)
	}
	return parsed, nil
}

func (c *Client) Close() error {
	c.eth.Close()
	return nil
}

func (c *Client) Address() string {
	return c.from.Hex()
}

func (c *Client) ContractAddress() string {
	return c.contractAddr.Hex()
}

// Transfer sends plain ETH from the signer and waits for the receipt.
func (c *Client) Transfer(ctx context.Context, to string, amountWei *big.Int) (string, error) {
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, to)
	}
	ctx, cancel := context.WithTimeout(ctx, c.txTimeout)
	defer cancel()

	recipient := common.HexToAddress(to)
	signed, err := c.sendTransfer(ctx, recipient, amountWei)
	if err != nil {
		return "", err
	}
	if _, err := c.wait(ctx, signed); err != nil {
		return signed.Hash().Hex(), err
	}
	c.logger.Info("payment confirmed", zap.String("tx", signed.Hash().Hex()), zap.String("wei", amountWei.String()))
	return signed.Hash().Hex(), nil
}

func (c *Client) sendTransfer(ctx context.Context, to common.Address, amountWei *big.Int) (*types.Transaction, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    amountWei,
		Gas:      transferGasLimit,
		GasPrice: gasPrice,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("sign transfer: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send transfer: %w", err)
	}
	return signed, nil
}

func (c *Client) MintReceipt(ctx context.Context, owner string, billNo string, payload string) (string, error) {
	tx, _, err := c.transact(ctx, "mintReceipt", owner, billNo, payload)
	if err != nil {
		return txHash(tx), err
	}
	c.logger.Info("receipt minted", zap.String("bill_no", billNo), zap.String("tx", tx.Hash().Hex()))
	return tx.Hash().Hex(), nil
}

func (c *Client) MintCoupon(ctx context.Context, owner string, couponCode string, tokenURI string) (string, string, error) {
	tx, receipt, err := c.transact(ctx, "mintCoupon", owner, couponCode, tokenURI)
	if err != nil {
		return txHash(tx), "", err
	}
	tokenID, err := TokenIDFromReceipt(receipt, c.contractABI, c.contractAddr)
	if err != nil {
		c.logger.Warn("coupon minted without readable token id", zap.String("tx", tx.Hash().Hex()), zap.Error(err))
		return tx.Hash().Hex(), "", nil
	}
	c.logger.Info("coupon minted", zap.String("token_id", tokenID), zap.String("tx", tx.Hash().Hex()))
	return tx.Hash().Hex(), tokenID, nil
}

func (c *Client) transact(ctx context.Context, method string, owner string, args ...string) (*types.Transaction, *types.Receipt, error) {
	if !common.IsHexAddress(owner) {
		return nil, nil, fmt.Errorf("%w: owner %q", ErrInvalidAddress, owner)
	}
	ctx, cancel := context.WithTimeout(ctx, c.txTimeout)
	defer cancel()

	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, nil, fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx

	params := make([]interface{}, 0, len(args)+1)
	params = append(params, common.HexToAddress(owner))
	for _, arg := range args {
		params = append(params, arg)
	}

	c.sendMu.Lock()
	tx, err := c.contract.Transact(opts, method, params...)
	c.sendMu.Unlock()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", method, err)
	}

	receipt, err := c.wait(ctx, tx)
	if err != nil {
		return tx, nil, err
	}
	return tx, receipt, nil
}

// TransactionState looks up a transaction whose receipt was never observed,
// for example after the wait timed out.
func (c *Client) TransactionState(ctx context.Context, txID string) (TxState, error) {
	hash := common.HexToHash(txID)
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err == nil {
		if receipt.Status == types.ReceiptStatusSuccessful {
			return TxConfirmed, nil
		}
		return TxReverted, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return "", fmt.Errorf("read receipt %s: %w", txID, err)
	}

	_, _, err = c.eth.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return TxMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("read transaction %s: %w", txID, err)
	}
	// known to the node, receipt not indexed yet
	return TxPending, nil
}

func (c *Client) wait(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return nil, fmt.Errorf("wait for %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ErrTxReverted, tx.Hash().Hex())
	}
	return receipt, nil
}

// TokenIDFromReceipt reads the minted token id from the contract's Transfer
// event, whose third indexed topic carries the id.
func TokenIDFromReceipt(receipt *types.Receipt, contractABI abi.ABI, contract common.Address) (string, error) {
	if receipt == nil {
		return "", ErrNoTokenID
	}
	event, ok := contractABI.Events["Transfer"]
	if !ok {
		return "", ErrNoTokenID
	}
	for _, entry := range receipt.Logs {
		if entry == nil || entry.Address != contract {
			continue
		}
		if len(entry.Topics) != 4 || entry.Topics[0] != event.ID {
			continue
		}
		return new(big.Int).SetBytes(entry.Topics[3].Bytes()).String(), nil
	}
	return "", ErrNoTokenID
}

func ValidAddress(address string) bool {
	return common.IsHexAddress(strings.TrimSpace(address))
}

// NormalizeAddress returns the EIP-55 checksummed form.
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return common.HexToAddress(address).Hex(), nil
}

func txHash(tx *types.Transaction) string {
	if tx == nil {
		return ""
	}
	return tx.Hash().Hex()
}
